package biz

import (
	"context"
	"encoding/json"
	"fmt"

	"ModelHub/internal/conf"
	"ModelHub/internal/model"
	pkgerrors "ModelHub/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// Built-in task types.
const (
	MetricIngestTaskType = "metric.ingest"
	AlertNotifyTaskType  = "alert.notify"

	alertWebhookBreaker = "alert-webhook"
)

// TaskHandlers registers the built-in task handlers on the queue and wires
// task instrumentation into the alert engine.
type TaskHandlers struct {
	engine   *AlertEngine
	notifier AlertNotifier
	log      *log.Helper
}

// NewTaskHandlers registers metric.ingest and alert.notify on queue.
// Alert notifications are retried with task.retry and guarded by the
// alert-webhook breaker.
func NewTaskHandlers(queue *TaskQueueUsecase, engine *AlertEngine, notifier AlertNotifier, breakers *BreakerRegistry, c *conf.Task, logger log.Logger) (*TaskHandlers, error) {
	h := &TaskHandlers{
		engine:   engine,
		notifier: notifier,
		log:      log.NewHelper(log.With(logger, "module", "biz/task-handlers")),
	}

	var rc *conf.Task_Retry
	if c != nil {
		rc = c.Retry
	}
	policy := NewRetryPolicy(AlertNotifyTaskType, RetryConfigFromConf(rc), logger)
	breaker := breakers.Get(alertWebhookBreaker)

	if err := queue.RegisterHandler(MetricIngestTaskType, h.IngestMetric); err != nil {
		return nil, err
	}
	if err := queue.RegisterHandler(AlertNotifyTaskType, WithRetry(policy, WithBreaker(breaker, h.NotifyAlert))); err != nil {
		return nil, err
	}
	queue.AddObserver(engine.ObserveTask)

	return h, nil
}

// IngestMetric decodes a MetricSample payload and feeds it to the engine.
func (h *TaskHandlers) IngestMetric(ctx context.Context, task *model.Task) (any, error) {
	var sample model.MetricSample
	if err := json.Unmarshal(task.Payload, &sample); err != nil {
		return nil, pkgerrors.Permanent(fmt.Errorf("decode metric sample: %w", err))
	}

	res, err := h.engine.Ingest(ctx, sample)
	if err != nil {
		return nil, pkgerrors.Permanent(err)
	}
	return map[string]int{
		"alerts_fired":    len(res.Fired),
		"alerts_resolved": len(res.Resolved),
	}, nil
}

// NotifyAlert delivers an AlertEvent payload through the notifier.
func (h *TaskHandlers) NotifyAlert(ctx context.Context, task *model.Task) (any, error) {
	var event model.AlertEvent
	if err := json.Unmarshal(task.Payload, &event); err != nil {
		return nil, pkgerrors.Permanent(fmt.Errorf("decode alert event: %w", err))
	}

	if err := h.notifier.Notify(ctx, &event); err != nil {
		h.log.Warnw("msg", "alert notification failed", "event_id", event.ID, "rule", event.RuleName, "error", err)
		return nil, pkgerrors.Transient(err)
	}
	return map[string]string{"event_id": event.ID}, nil
}
