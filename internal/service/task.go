package service

import (
	"context"
	"encoding/json"
	"strings"

	"ModelHub/internal/biz"
	"ModelHub/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationSubmitTask   = "/modelhub.v1.TaskService/SubmitTask"
	OperationGetTask      = "/modelhub.v1.TaskService/GetTask"
	OperationListBreakers = "/modelhub.v1.TaskService/ListBreakers"
)

type SubmitTaskRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitTaskReply struct {
	TaskID string `json:"task_id"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

type ListBreakersRequest struct{}

type ListBreakersReply struct {
	Breakers []model.BreakerSnapshot `json:"breakers"`
}

// TaskService handles task submission and result queries.
type TaskService struct {
	queue    *biz.TaskQueueUsecase
	breakers *biz.BreakerRegistry
	logger   *log.Helper
}

// NewTaskService creates a new TaskService instance.
func NewTaskService(queue *biz.TaskQueueUsecase, breakers *biz.BreakerRegistry, logger log.Logger) *TaskService {
	return &TaskService{
		queue:    queue,
		breakers: breakers,
		logger:   log.NewHelper(log.With(logger, "module", "service/task")),
	}
}

// SubmitTask publishes a task and returns its id.
func (s *TaskService) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskReply, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, kerrors.BadRequest("INVALID_ARGUMENT", "type is required")
	}

	// Payload is forwarded as is; json.RawMessage(nil) encodes as null.
	id, err := s.queue.SubmitTask(ctx, req.Type, req.Payload)
	if err != nil {
		s.logger.Errorw("msg", "failed to submit task", "task_type", req.Type, "error", err)
		return nil, toKratosError(err)
	}
	return &SubmitTaskReply{TaskID: id}, nil
}

// GetTask returns the task record, or a pending placeholder for unknown ids.
func (s *TaskService) GetTask(ctx context.Context, req *GetTaskRequest) (*model.Task, error) {
	if req.TaskID == "" {
		return nil, kerrors.BadRequest("INVALID_ARGUMENT", "task_id is required")
	}

	task, err := s.queue.GetTaskResult(ctx, req.TaskID)
	if err != nil {
		s.logger.Errorw("msg", "failed to get task", "task_id", req.TaskID, "error", err)
		return nil, toKratosError(err)
	}
	return task, nil
}

// ListBreakers returns the state of every circuit breaker.
func (s *TaskService) ListBreakers(_ context.Context, _ *ListBreakersRequest) (*ListBreakersReply, error) {
	return &ListBreakersReply{Breakers: s.breakers.Snapshots()}, nil
}

// RegisterHTTP mounts the task routes on srv.
func (s *TaskService) RegisterHTTP(srv *http.Server) {
	r := srv.Route("/")
	r.POST("/api/v1/tasks", handle(OperationSubmitTask, func(ctx http.Context, in *SubmitTaskRequest) error {
		return ctx.Bind(in)
	}, s.SubmitTask))
	r.GET("/api/v1/tasks/{task_id}", handle(OperationGetTask, func(ctx http.Context, in *GetTaskRequest) error {
		in.TaskID = ctx.Vars().Get("task_id")
		return nil
	}, s.GetTask))
	r.GET("/api/v1/breakers", handle[ListBreakersRequest, ListBreakersReply](OperationListBreakers, nil, s.ListBreakers))
}
