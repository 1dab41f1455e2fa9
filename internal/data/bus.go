package data

import (
	"context"
	"fmt"
	"time"

	"ModelHub/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// MessageHandler processes one delivered message. A nil return acknowledges it.
type MessageHandler func(ctx context.Context, message []byte) error

// MessageBus is the publish/subscribe primitive tasks travel over.
// Every message published on a channel is delivered to one subscriber.
type MessageBus interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe blocks, dispatching messages to handler until ctx is cancelled.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error
	Close() error
}

const (
	defaultConsumerGroup = "task-workers"
	defaultBlockTimeout  = 2 * time.Second
)

// NewMessageBus builds the bus selected by data.bus.provider.
func NewMessageBus(c *conf.Data, rdb *redis.Client, logger log.Logger) (MessageBus, func(), error) {
	helper := log.NewHelper(logger)

	provider := conf.BusProviderRedisStream
	group := defaultConsumerGroup
	block := defaultBlockTimeout
	var maxLen int64
	var rabbit *conf.Data_Bus_RabbitMQ
	if c != nil && c.Bus != nil {
		if c.Bus.Provider != "" {
			provider = c.Bus.Provider
		}
		if c.Bus.ConsumerGroup != "" {
			group = c.Bus.ConsumerGroup
		}
		if c.Bus.BlockTimeout != nil && c.Bus.BlockTimeout.AsDuration() > 0 {
			block = c.Bus.BlockTimeout.AsDuration()
		}
		maxLen = c.Bus.StreamMaxLen
		rabbit = c.Bus.Rabbitmq
	}

	var (
		bus MessageBus
		err error
	)
	switch provider {
	case conf.BusProviderMemory:
		bus = NewMemoryBus(0)
	case conf.BusProviderRedisStream:
		if rdb == nil {
			return nil, func() {}, fmt.Errorf("message bus %s requires a redis client", provider)
		}
		bus = NewRedisStreamBus(rdb, group, block, maxLen, logger)
	case conf.BusProviderRabbitMQ:
		if rabbit == nil || rabbit.Uri == "" {
			return nil, func() {}, fmt.Errorf("message bus %s requires data.bus.rabbitmq.uri", provider)
		}
		bus, err = NewRabbitMQBus(rabbit.Uri, int(rabbit.Prefetch), logger)
		if err != nil {
			return nil, func() {}, err
		}
	default:
		return nil, func() {}, fmt.Errorf("unsupported message bus provider %q", provider)
	}

	helper.Infow("msg", "message bus initialized", "provider", provider, "consumer_group", group)

	cleanup := func() {
		helper.Infow("msg", "closing message bus", "provider", provider)
		if err := bus.Close(); err != nil {
			helper.Errorw("msg", "failed to close message bus", "provider", provider, "error", err)
		}
	}
	return bus, cleanup, nil
}
