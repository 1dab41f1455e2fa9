package server

import (
	"ModelHub/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/grpc"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TaskHealthService is the health service name reporting the task workers.
const TaskHealthService = "modelhub.task"

// NewHealthServer creates the gRPC health server. The task service starts
// NOT_SERVING and is flipped by the worker server.
func NewHealthServer() *health.Server {
	h := health.NewServer()
	h.SetServingStatus(TaskHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer new a gRPC server exposing grpc.health.v1.Health.
// Per-RPC Prometheus metrics are recorded on the default registry.
func NewGRPCServer(c *conf.Server, healthSrv *health.Server, logger log.Logger) *grpc.Server {
	grpc_prometheus.EnableHandlingTimeHistogram()
	var opts = []grpc.ServerOption{
		grpc.Middleware(
			recovery.Recovery(),
			logging.Server(logger),
		),
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		grpc.CustomHealth(),
	}
	if c.Grpc.Network != "" {
		opts = append(opts, grpc.Network(c.Grpc.Network))
	}
	if c.Grpc.Addr != "" {
		opts = append(opts, grpc.Address(c.Grpc.Addr))
	}
	if c.Grpc.Timeout != nil {
		opts = append(opts, grpc.Timeout(c.Grpc.Timeout.AsDuration()))
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, healthSrv)
	grpc_prometheus.Register(srv.Server)
	return srv
}
