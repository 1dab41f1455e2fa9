package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration of the service.
type Bootstrap struct {
	Server *Server
	Data   *Data
	Task   *Task
	Alert  *Alert
	Log    *Log
}

// Server holds the transport settings.
type Server struct {
	Http *Server_HTTP
	Grpc *Server_GRPC
}

type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

type Server_GRPC struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds the collaborator settings (MySQL, Redis, message bus).
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
	Bus      *Data_Bus
}

type Data_Database struct {
	Driver string
	Source string
}

type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	Db           int32
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Bus provider names.
const (
	BusProviderRedisStream = "redis_stream"
	BusProviderRabbitMQ    = "rabbitmq"
	BusProviderMemory      = "memory"
)

type Data_Bus struct {
	Provider      string
	ConsumerGroup string
	BlockTimeout  *durationpb.Duration
	StreamMaxLen  int64
	Rabbitmq      *Data_Bus_RabbitMQ
}

type Data_Bus_RabbitMQ struct {
	Uri      string
	Prefetch int32
}

// Task holds the task queue settings.
type Task struct {
	Workers         int32
	ResultTtl       *durationpb.Duration
	ResultCacheSize int32
	ClaimTimeout    *durationpb.Duration
	Retry           *Task_Retry
	Breaker         *Task_Breaker
}

type Task_Retry struct {
	MaxRetries    int32
	InitialDelay  *durationpb.Duration
	BackoffFactor float64
	MaxDelay      *durationpb.Duration
	Jitter        bool
}

type Task_Breaker struct {
	FailureThreshold int32
	RecoveryTimeout  *durationpb.Duration
	SuccessThreshold int32
}

// Alert holds the metric rule engine settings.
type Alert struct {
	HistorySize      int32
	HistoryRetention *durationpb.Duration
	RetentionCron    string
	MetricCacheSize  int32
}

// Log holds the logger settings.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
