package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper extends the Kratos log.Helper with typed helpers. Each helper sets
// the "type" field, which the EmojiConsoleEncoder maps to an emoji.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates a LogHelper over logger.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func withType(msg, logType string, kvs []interface{}) []interface{} {
	allKvs := make([]interface{}, 0, len(kvs)+4)
	allKvs = append(allKvs, "msg", msg)
	allKvs = append(allKvs, kvs...)
	return append(allKvs, "type", logType)
}

// Task logs task queue lifecycle events (📨).
func (h *LogHelper) Task(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "task", kvs)...)
}

// TaskFailed logs a task that ended in status failed (💥).
func (h *LogHelper) TaskFailed(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "task_failed", kvs)...)
}

// Breaker logs circuit breaker state transitions (🔌).
func (h *LogHelper) Breaker(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "breaker", kvs)...)
}

// Retry logs a retry attempt (🔁).
func (h *LogHelper) Retry(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "retry", kvs)...)
}

// Alert logs a fired alert (🚨).
func (h *LogHelper) Alert(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "alert", kvs)...)
}

// AlertResolved logs a resolved alert (✅).
func (h *LogHelper) AlertResolved(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "alert_resolved", kvs)...)
}

// Database logs database operations (💾).
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "database", kvs)...)
}

// Redis logs Redis operations (📦).
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "redis", kvs)...)
}

// Scheduler logs cron jobs (🎯).
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "scheduler", kvs)...)
}

// Startup logs service startup (🚀).
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "startup", kvs)...)
}

// Request logs an HTTP request (emoji chosen by status code).
func (h *LogHelper) Request(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)
	msg := fmt.Sprintf("%s %s - %d (%dms) | RequestID: %s", method, url, status, durationMs, reqCtx.RequestID)

	allKvs := withType(msg, "request", kvs)
	allKvs = append(allKvs,
		"request_id", reqCtx.RequestID,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(allKvs...)

	if durationMs > 1000 {
		h.Warnw(withType(fmt.Sprintf("[%s] Slow request detected | %s %s | %dms", reqCtx.RequestID, method, url, durationMs),
			"slow_request", []interface{}{"request_id", reqCtx.RequestID, "duration_ms", durationMs})...)
	}
}
