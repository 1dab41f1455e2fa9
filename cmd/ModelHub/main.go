// Package main is the entry point of the ModelHub service.
// It runs the HTTP API, the gRPC health endpoint and the task workers in one
// kratos application.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ModelHub/internal/biz"
	"ModelHub/internal/conf"
	"ModelHub/internal/data"
	"ModelHub/internal/metrics"
	"ModelHub/internal/server"
	zapLogger "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/grpc"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "ModelHub"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, d *data.Data, engine *biz.AlertEngine, retention *cron.Cron, gs *grpc.Server, hs *http.Server, ws *server.WorkerServer) *kratos.App {
	helper := log.NewHelper(logger)
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			gs,
			hs,
			ws,
		),
		// Rules must be loaded before workers start consuming metric.ingest tasks.
		kratos.BeforeStart(func(ctx context.Context) error {
			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("data layer not ready: %w", err)
			}
			return engine.LoadRules(ctx)
		}),
		kratos.AfterStart(func(context.Context) error {
			retention.Start()
			return nil
		}),
		kratos.BeforeStop(func(ctx context.Context) error {
			select {
			case <-retention.Stop().Done():
			case <-ctx.Done():
				helper.Warnw("msg", "retention job still running at shutdown")
			}
			return nil
		}),
	)
}

func main() {
	flag.Parse()

	// Load configuration using Viper with environment variable and CLI flag support
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Use fallback logger before Zap is initialized
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	logger := zapLogger.NewKratosAdapter(zapLog)
	logger = log.With(logger,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
		"trace.id", tracing.TraceID(),
		"span.id", tracing.SpanID(),
	)

	helper := zapLogger.NewLogHelper(logger)
	helper.Startup("ModelHub service starting",
		"http.addr", bc.Server.Http.Addr,
		"grpc.addr", bc.Server.Grpc.Addr,
		"bus.provider", bc.Data.Bus.Provider,
		"task.workers", bc.Task.Workers,
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Task, bc.Alert, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
