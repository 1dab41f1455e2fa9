// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with MODELHUB_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or MODELHUB_DATA_DATABASE_SOURCE: MySQL connection string
//   - RABBITMQ_URI or MODELHUB_DATA_BUS_RABBITMQ_URI: only when data.bus.provider is rabbitmq
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MODELHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without MODELHUB_ prefix) for compatibility
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "MODELHUB_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "MODELHUB_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.redis.password", "REDIS_PASSWORD", "MODELHUB_DATA_REDIS_PASSWORD")
	_ = v.BindEnv("data.bus.rabbitmq.uri", "RABBITMQ_URI", "MODELHUB_DATA_BUS_RABBITMQ_URI")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
			Grpc: &Server_GRPC{
				Network: v.GetString("server.grpc.network"),
				Addr:    v.GetString("server.grpc.addr"),
				Timeout: durationpb.New(v.GetDuration("server.grpc.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				Db:           v.GetInt32("data.redis.db"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
			Bus: &Data_Bus{
				Provider:      strings.ToLower(v.GetString("data.bus.provider")),
				ConsumerGroup: v.GetString("data.bus.consumer_group"),
				BlockTimeout:  durationpb.New(v.GetDuration("data.bus.block_timeout")),
				StreamMaxLen:  v.GetInt64("data.bus.stream_max_len"),
				Rabbitmq: &Data_Bus_RabbitMQ{
					Uri:      v.GetString("data.bus.rabbitmq.uri"),
					Prefetch: v.GetInt32("data.bus.rabbitmq.prefetch"),
				},
			},
		},
		Task: &Task{
			Workers:         v.GetInt32("task.workers"),
			ResultTtl:       durationpb.New(v.GetDuration("task.result_ttl")),
			ResultCacheSize: v.GetInt32("task.result_cache_size"),
			ClaimTimeout:    durationpb.New(v.GetDuration("task.claim_timeout")),
			Retry: &Task_Retry{
				MaxRetries:    v.GetInt32("task.retry.max_retries"),
				InitialDelay:  durationpb.New(v.GetDuration("task.retry.initial_delay")),
				BackoffFactor: v.GetFloat64("task.retry.backoff_factor"),
				MaxDelay:      durationpb.New(v.GetDuration("task.retry.max_delay")),
				Jitter:        v.GetBool("task.retry.jitter"),
			},
			Breaker: &Task_Breaker{
				FailureThreshold: v.GetInt32("task.breaker.failure_threshold"),
				RecoveryTimeout:  durationpb.New(v.GetDuration("task.breaker.recovery_timeout")),
				SuccessThreshold: v.GetInt32("task.breaker.success_threshold"),
			},
		},
		Alert: &Alert{
			HistorySize:      v.GetInt32("alert.history_size"),
			HistoryRetention: durationpb.New(v.GetDuration("alert.history_retention")),
			RetentionCron:    v.GetString("alert.retention_cron"),
			MetricCacheSize:  v.GetInt32("alert.metric_cache_size"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8000")
	v.SetDefault("server.http.timeout", 30*time.Second)

	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":9000")
	v.SetDefault("server.grpc.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	v.SetDefault("data.bus.provider", BusProviderRedisStream)
	v.SetDefault("data.bus.consumer_group", "task-workers")
	v.SetDefault("data.bus.block_timeout", 2*time.Second)
	v.SetDefault("data.bus.stream_max_len", 100000)
	v.SetDefault("data.bus.rabbitmq.prefetch", 16)

	// Task queue defaults
	v.SetDefault("task.workers", 4)
	v.SetDefault("task.result_ttl", 24*time.Hour)
	v.SetDefault("task.result_cache_size", 4096)
	v.SetDefault("task.claim_timeout", 5*time.Minute)
	v.SetDefault("task.retry.max_retries", 3)
	v.SetDefault("task.retry.initial_delay", time.Second)
	v.SetDefault("task.retry.backoff_factor", 2.0)
	v.SetDefault("task.retry.max_delay", 30*time.Second)
	v.SetDefault("task.retry.jitter", true)
	v.SetDefault("task.breaker.failure_threshold", 5)
	v.SetDefault("task.breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("task.breaker.success_threshold", 2)

	// Alert defaults
	v.SetDefault("alert.history_size", 500)
	v.SetDefault("alert.history_retention", 7*24*time.Hour)
	v.SetDefault("alert.retention_cron", "0 0 * * * *")
	v.SetDefault("alert.metric_cache_size", 1024)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing or invalid fields.
func Validate(bc *Bootstrap) error {
	var problems []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		problems = append(problems, "data.database.source (MYSQL_DSN)")
	}

	if bc.Data != nil && bc.Data.Bus != nil {
		switch bc.Data.Bus.Provider {
		case BusProviderRedisStream, BusProviderMemory:
		case BusProviderRabbitMQ:
			if bc.Data.Bus.Rabbitmq == nil || bc.Data.Bus.Rabbitmq.Uri == "" {
				problems = append(problems, "data.bus.rabbitmq.uri (RABBITMQ_URI)")
			}
		default:
			problems = append(problems, fmt.Sprintf("data.bus.provider (unsupported %q)", bc.Data.Bus.Provider))
		}
	}

	if bc.Task != nil {
		if bc.Task.Workers <= 0 {
			problems = append(problems, "task.workers (must be > 0)")
		}
		if bc.Task.ClaimTimeout != nil && bc.Task.ClaimTimeout.AsDuration() < time.Minute {
			problems = append(problems, "task.claim_timeout (must be >= 1m)")
		}
		if bc.Task.Retry != nil && bc.Task.Retry.MaxRetries <= 0 {
			problems = append(problems, "task.retry.max_retries (must be > 0)")
		}
		if bc.Task.Breaker != nil && (bc.Task.Breaker.FailureThreshold <= 0 || bc.Task.Breaker.SuccessThreshold <= 0) {
			problems = append(problems, "task.breaker thresholds (must be > 0)")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(problems, ", "))
	}

	return nil
}
