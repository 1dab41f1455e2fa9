package server

import (
	"context"
	"sync"
	"time"

	"ModelHub/internal/biz"
	"ModelHub/internal/conf"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultWorkers     = 4
	workerRestartDelay = time.Second
)

var _ transport.Server = (*WorkerServer)(nil)

// WorkerServer runs the task queue workers as part of the kratos app
// lifecycle. Stop cancels the workers and waits for in-flight tasks.
type WorkerServer struct {
	queue   *biz.TaskQueueUsecase
	health  *health.Server
	workers int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *pkglog.LogHelper
}

// NewWorkerServer creates a worker server running task.workers workers.
// The built-in handlers must be registered before the server starts.
func NewWorkerServer(c *conf.Task, queue *biz.TaskQueueUsecase, _ *biz.TaskHandlers, healthSrv *health.Server, logger log.Logger) *WorkerServer {
	workers := defaultWorkers
	if c != nil && c.Workers > 0 {
		workers = int(c.Workers)
	}
	return &WorkerServer{
		queue:   queue,
		health:  healthSrv,
		workers: workers,
		logger:  pkglog.NewLogHelper(log.With(logger, "module", "server/worker")),
	}
}

// Start launches the workers. Each worker restarts after a transient bus
// failure until the server stops.
func (s *WorkerServer) Start(ctx context.Context) error {
	s.mu.Lock()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.run(runCtx, i)
	}

	s.health.SetServingStatus(TaskHealthService, healthpb.HealthCheckResponse_SERVING)
	s.logger.Startup("task workers started", "workers", s.workers, "handlers", s.queue.HandlerTypes())
	return nil
}

func (s *WorkerServer) run(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		err := s.queue.StartWorker(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Errorw("msg", "task worker stopped unexpectedly, restarting",
			"worker", id,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(workerRestartDelay):
		}
	}
}

// Stop cancels the workers and waits for them until ctx expires.
func (s *WorkerServer) Stop(ctx context.Context) error {
	s.health.SetServingStatus(TaskHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("msg", "task workers stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warnw("msg", "timed out waiting for task workers", "error", ctx.Err())
		return ctx.Err()
	}
}
