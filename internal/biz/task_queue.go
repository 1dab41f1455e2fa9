package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ModelHub/internal/conf"
	"ModelHub/internal/data"
	"ModelHub/internal/metrics"
	"ModelHub/internal/model"
	pkgerrors "ModelHub/pkg/errors"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrRegistryFrozen is returned by RegisterHandler once a worker has started.
	ErrRegistryFrozen = errors.New("task handler registry is frozen")
	// ErrDuplicateHandler is returned when a task type already has a handler.
	ErrDuplicateHandler = errors.New("task handler already registered")
	// ErrTaskClaimed is returned by ProcessTask while another worker holds a
	// live claim on the task, so the bus keeps the message for redelivery.
	ErrTaskClaimed = errors.New("task is claimed by another worker")
)

// resultStorePolicy names the retry policy guarding terminal result writes.
const resultStorePolicy = "task-result-store"

const defaultResultCacheSize = 4096

// MessageBus carries task messages from submitters to workers.
type MessageBus interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler data.MessageHandler) error
}

// ResultStore persists task state. Save applies a write only when the new
// status is later in the lifecycle than the stored one.
type ResultStore interface {
	Get(ctx context.Context, taskID string) (*model.Task, error)
	Save(ctx context.Context, task *model.Task, ttl time.Duration) (bool, error)
}

// TaskHandler processes one task. The returned value is JSON-encoded into
// the task result.
type TaskHandler func(ctx context.Context, task *model.Task) (any, error)

// TaskObserver is called after a task reaches a terminal status.
type TaskObserver func(ctx context.Context, task *model.Task, elapsed time.Duration)

// TaskSubmitter submits tasks for asynchronous processing.
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, taskType string, payload any) (string, error)
}

// TaskQueueUsecase submits tasks on the bus, dispatches them to registered
// handlers on the worker side and records every status change in the
// ResultStore.
type TaskQueueUsecase struct {
	bus       MessageBus
	store     ResultStore
	resultTTL time.Duration

	mu        sync.RWMutex
	handlers  map[string]TaskHandler
	frozen    bool
	observers []TaskObserver

	results    *lru.Cache[string, *model.Task]
	storeRetry *RetryPolicy

	now    func() time.Time
	newID  func() string
	logger *pkglog.LogHelper
}

// NewTaskQueueUsecase creates the task queue.
func NewTaskQueueUsecase(c *conf.Task, bus MessageBus, store ResultStore, logger log.Logger) (*TaskQueueUsecase, error) {
	ttl := data.DefaultResultTTL
	cacheSize := defaultResultCacheSize
	var retry *conf.Task_Retry
	if c != nil {
		retry = c.Retry
		if c.ResultTtl != nil && c.ResultTtl.AsDuration() > 0 {
			ttl = c.ResultTtl.AsDuration()
		}
		if c.ResultCacheSize > 0 {
			cacheSize = int(c.ResultCacheSize)
		}
	}

	results, err := lru.New[string, *model.Task](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create task result cache: %w", err)
	}

	return &TaskQueueUsecase{
		bus:        bus,
		store:      store,
		resultTTL:  ttl,
		handlers:   make(map[string]TaskHandler),
		results:    results,
		storeRetry: NewRetryPolicy(resultStorePolicy, RetryConfigFromConf(retry), logger),
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     pkglog.NewLogHelper(log.With(logger, "module", "biz/task-queue")),
	}, nil
}

// RegisterHandler associates taskType with fn. Registering a type twice, or
// registering after a worker started, is a configuration error.
func (uc *TaskQueueUsecase) RegisterHandler(taskType string, fn TaskHandler) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if fn == nil {
		return fmt.Errorf("handler for task type %s is nil", taskType)
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.frozen {
		return fmt.Errorf("register %s: %w", taskType, ErrRegistryFrozen)
	}
	if _, ok := uc.handlers[taskType]; ok {
		return fmt.Errorf("register %s: %w", taskType, ErrDuplicateHandler)
	}
	uc.handlers[taskType] = fn
	return nil
}

// MustRegisterHandler is RegisterHandler that panics on error, for startup wiring.
func (uc *TaskQueueUsecase) MustRegisterHandler(taskType string, fn TaskHandler) {
	if err := uc.RegisterHandler(taskType, fn); err != nil {
		panic(err)
	}
}

// AddObserver registers fn to be called after every processed task.
func (uc *TaskQueueUsecase) AddObserver(fn TaskObserver) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.observers = append(uc.observers, fn)
}

// HandlerTypes returns the registered task types in order.
func (uc *TaskQueueUsecase) HandlerTypes() []string {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	types := make([]string, 0, len(uc.handlers))
	for t := range uc.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SubmitTask publishes a new Pending task and returns its id. When the
// publish fails a *errors.SubmissionError is returned and nothing is stored.
func (uc *TaskQueueUsecase) SubmitTask(ctx context.Context, taskType string, payload any) (string, error) {
	if taskType == "" {
		return "", &pkgerrors.SubmissionError{Err: errors.New("task type is required")}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &pkgerrors.SubmissionError{TaskType: taskType, Err: fmt.Errorf("encode payload: %w", err)}
	}

	task := &model.Task{
		ID:        uc.newID(),
		Type:      taskType,
		Payload:   raw,
		Status:    model.TaskStatusPending,
		CreatedAt: uc.now().UTC(),
	}
	message, err := json.Marshal(task)
	if err != nil {
		return "", &pkgerrors.SubmissionError{TaskType: taskType, Err: fmt.Errorf("encode task: %w", err)}
	}

	if err := uc.bus.Publish(ctx, model.TaskQueueChannel, message); err != nil {
		metrics.TasksSubmitted.WithLabelValues(taskType, "error").Inc()
		uc.logger.Errorw("msg", "task publish failed", "task_type", taskType, "error", err)
		return "", &pkgerrors.SubmissionError{TaskType: taskType, Err: err}
	}
	metrics.TasksSubmitted.WithLabelValues(taskType, "ok").Inc()

	// A worker may already have claimed the task; the store then keeps its record.
	if _, err := uc.store.Save(ctx, task, uc.resultTTL); err != nil {
		uc.logger.Warnw("msg", "failed to record pending task",
			"task_id", task.ID,
			"task_type", taskType,
			"error", err)
	}

	uc.logger.Task("task submitted",
		"task_id", task.ID,
		"task_type", taskType,
		"request_id", pkglog.GetRequestID(ctx))
	return task.ID, nil
}

// ProcessTask handles one bus message on the worker side. Processing
// failures are recorded on the task; an error is returned only when the
// task state could not be stored, so the bus may redeliver the message.
func (uc *TaskQueueUsecase) ProcessTask(ctx context.Context, message []byte) error {
	var task model.Task
	if err := json.Unmarshal(message, &task); err != nil || task.ID == "" {
		uc.logger.Warnw("msg", "dropping malformed task message", "error", err, "size", len(message))
		return nil
	}

	started := uc.now().UTC()
	task.Status = model.TaskStatusProcessing
	task.StartedAt = &started
	task.CompletedAt = nil
	task.Result = nil
	task.Error = ""

	claimed, err := uc.store.Save(ctx, &task, uc.resultTTL)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	if !claimed {
		return uc.skipClaimed(ctx, &task)
	}

	result, procErr := uc.dispatch(ctx, &task)

	completed := uc.now().UTC()
	task.CompletedAt = &completed
	if procErr == nil {
		task.Result, procErr = encodeResult(result)
	}
	if procErr != nil {
		task.Status = model.TaskStatusFailed
		task.Error = procErr.Error()
	} else {
		task.Status = model.TaskStatusCompleted
	}

	// The terminal write must survive worker shutdown. If it still fails the
	// claim lease expires and a redelivery runs the task again.
	if err := uc.saveTerminal(context.WithoutCancel(ctx), &task); err != nil {
		return fmt.Errorf("record task %s as %s: %w", task.ID, task.Status, err)
	}
	uc.results.Add(task.ID, task.Clone())

	elapsed := completed.Sub(started)
	metrics.ObserveTask(task.Type, string(task.Status), elapsed)
	if procErr != nil {
		uc.logger.TaskFailed("task failed",
			"task_id", task.ID,
			"task_type", task.Type,
			"kind", string(pkgerrors.KindOf(procErr)),
			"duration_ms", elapsed.Milliseconds(),
			"error", procErr)
	} else {
		uc.logger.Task("task completed",
			"task_id", task.ID,
			"task_type", task.Type,
			"duration_ms", elapsed.Milliseconds())
	}

	uc.mu.RLock()
	observers := uc.observers
	uc.mu.RUnlock()
	for _, observe := range observers {
		observe(ctx, task.Clone(), elapsed)
	}
	return nil
}

// skipClaimed decides what happens to a message whose claim was rejected.
// A finished task is acknowledged; a task another worker is still running
// stays on the bus until that worker finishes or its lease expires.
func (uc *TaskQueueUsecase) skipClaimed(ctx context.Context, task *model.Task) error {
	stored, err := uc.store.Get(ctx, task.ID)
	switch {
	case errors.Is(err, data.ErrTaskNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("inspect claimed task %s: %w", task.ID, err)
	case stored.Status == model.TaskStatusProcessing:
		uc.logger.Debugw("msg", "task claimed by another worker", "task_id", task.ID, "task_type", task.Type)
		return fmt.Errorf("task %s: %w", task.ID, ErrTaskClaimed)
	}
	uc.logger.Debugw("msg", "task already finished, skipping",
		"task_id", task.ID,
		"task_type", task.Type,
		"status", stored.Status)
	return nil
}

func (uc *TaskQueueUsecase) saveTerminal(ctx context.Context, task *model.Task) error {
	_, err := uc.storeRetry.Execute(ctx, func(ctx context.Context) (any, error) {
		_, err := uc.store.Save(ctx, task, uc.resultTTL)
		return nil, pkgerrors.Transient(err)
	})
	return err
}

// dispatch runs the handler for task.Type, converting panics into errors.
func (uc *TaskQueueUsecase) dispatch(ctx context.Context, task *model.Task) (result any, err error) {
	uc.mu.RLock()
	handler, ok := uc.handlers[task.Type]
	uc.mu.RUnlock()
	if !ok {
		return nil, &pkgerrors.UnknownTaskTypeError{Type: task.Type}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &pkgerrors.HandlerExecutionError{
				TaskType: task.Type,
				TaskID:   task.ID,
				Err:      fmt.Errorf("panic: %v", r),
			}
		}
	}()

	result, err = handler(pkglog.WithTaskContext(ctx, task.ID, task.Type), task.Clone())
	if err != nil {
		return nil, &pkgerrors.HandlerExecutionError{TaskType: task.Type, TaskID: task.ID, Err: err}
	}
	return result, nil
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode task result: %w", err)
	}
	return raw, nil
}

// GetTaskResult returns the stored task. An unknown id yields a Pending
// placeholder, since submission and worker pickup may race.
func (uc *TaskQueueUsecase) GetTaskResult(ctx context.Context, taskID string) (*model.Task, error) {
	if cached, ok := uc.results.Get(taskID); ok {
		return cached.Clone(), nil
	}

	task, err := uc.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, data.ErrTaskNotFound) {
			return &model.Task{ID: taskID, Status: model.TaskStatusPending}, nil
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}

	if task.Status.IsTerminal() {
		uc.results.Add(taskID, task.Clone())
	}
	return task, nil
}

// StartWorker freezes the handler registry and processes task messages
// until ctx is cancelled.
func (uc *TaskQueueUsecase) StartWorker(ctx context.Context) error {
	uc.mu.Lock()
	uc.frozen = true
	uc.mu.Unlock()

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	err := uc.bus.Subscribe(ctx, model.TaskQueueChannel, uc.ProcessTask)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// WithRetry wraps fn so that each call goes through policy.
func WithRetry(policy *RetryPolicy, fn TaskHandler) TaskHandler {
	return func(ctx context.Context, task *model.Task) (any, error) {
		return policy.Execute(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx, task)
		})
	}
}

// WithBreaker wraps fn so that each call goes through breaker.
func WithBreaker(breaker *CircuitBreaker, fn TaskHandler) TaskHandler {
	return func(ctx context.Context, task *model.Task) (any, error) {
		return breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx, task)
		})
	}
}
