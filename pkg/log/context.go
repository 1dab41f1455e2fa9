package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type contextKey string

const requestContextKey contextKey = "modelhub_request_context"

// RequestContext carries tracing information through a request or task execution.
type RequestContext struct {
	RequestID string
	TaskID    string
	TaskType  string
	StartTime time.Time
}

var (
	randSource  = rand.NewSource(time.Now().UnixNano())
	randMutex   sync.Mutex
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID returns a 10 character base36 id, e.g. mgrn0zfqda.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext attaches a RequestContext for an inbound request.
func WithRequestContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestContextKey, &RequestContext{
		RequestID: requestID,
		StartTime: time.Now(),
	})
}

// WithTaskContext attaches a RequestContext for a task being processed by a worker.
// The request id of an enclosing context is preserved.
func WithTaskContext(ctx context.Context, taskID, taskType string) context.Context {
	requestID := "worker"
	if existing, ok := ctx.Value(requestContextKey).(*RequestContext); ok && existing.RequestID != "" {
		requestID = existing.RequestID
	}
	return context.WithValue(ctx, requestContextKey, &RequestContext{
		RequestID: requestID,
		TaskID:    taskID,
		TaskType:  taskType,
		StartTime: time.Now(),
	})
}

// GetRequestContext extracts the RequestContext, or an "unknown" placeholder.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx != nil {
		if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID extracts the request id from ctx.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetElapsedTime returns the milliseconds elapsed since the context was attached.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
