package server

import (
	"ModelHub/internal/conf"
	"ModelHub/internal/metrics"
	"ModelHub/internal/server/middleware"
	"ModelHub/internal/service"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, taskService *service.TaskService, alertService *service.AlertService, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(log.With(logger, "module", "server/http"))

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	taskService.RegisterHTTP(srv)
	alertService.RegisterHTTP(srv)
	srv.Handle("/metrics", metrics.Handler())

	return srv
}
