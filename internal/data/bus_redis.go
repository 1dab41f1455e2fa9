package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	streamBodyField = "body"
	// streamReadCount bounds how many entries one XREADGROUP call returns.
	streamReadCount = 10
	// streamClaimIdle is how long a delivered entry may stay unacknowledged
	// before another consumer of the group reclaims it.
	streamClaimIdle = time.Minute
)

// RedisStreamBus implements MessageBus with Redis Streams. Each channel is a
// stream; subscribers join one consumer group, so every entry is delivered to
// a single consumer, then acknowledged and deleted once its handler succeeds.
// The stream is the queue of a single group: entries are not kept for others.
type RedisStreamBus struct {
	client       *redis.Client
	group        string
	blockTimeout time.Duration
	claimIdle    time.Duration
	maxLen       int64
	logger       *log.Helper
}

// NewRedisStreamBus creates a stream bus over rdb. A positive maxLen caps
// each stream at roughly that many entries, dropping the oldest backlog.
func NewRedisStreamBus(rdb *redis.Client, group string, blockTimeout time.Duration, maxLen int64, logger log.Logger) *RedisStreamBus {
	if group == "" {
		group = defaultConsumerGroup
	}
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	return &RedisStreamBus{
		client:       rdb,
		group:        group,
		blockTimeout: blockTimeout,
		claimIdle:    streamClaimIdle,
		maxLen:       maxLen,
		logger:       log.NewHelper(log.With(logger, "module", "data/bus-redis")),
	}
}

// Publish appends message to the channel stream.
func (b *RedisStreamBus) Publish(ctx context.Context, channel string, message []byte) error {
	args := &redis.XAddArgs{
		Stream: channel,
		Values: map[string]interface{}{streamBodyField: message},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	err := b.client.XAdd(ctx, args).Err()
	if err != nil {
		return fmt.Errorf("redis stream publish failed (channel=%s): %w", channel, err)
	}
	return nil
}

// Subscribe reads the channel as a new consumer of the group until ctx is
// cancelled. Entries whose handler fails stay pending and are reclaimed by
// an idle consumer after claimIdle.
func (b *RedisStreamBus) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	if err := b.ensureGroup(ctx, channel); err != nil {
		return err
	}
	consumer := fmt.Sprintf("%s-%s", b.group, uuid.NewString()[:8])
	b.logger.Infow("msg", "stream consumer started", "channel", channel, "group", b.group, "consumer", consumer)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{channel, ">"},
			Count:    streamReadCount,
			Block:    b.blockTimeout,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				b.reclaim(ctx, channel, consumer, handler)
				continue
			}
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				if gerr := b.ensureGroup(ctx, channel); gerr != nil {
					return gerr
				}
				continue
			}
			b.logger.Warnw("msg", "stream read failed", "channel", channel, "error", err)
			if !sleepCtx(ctx, b.blockTimeout) {
				return ctx.Err()
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, channel, msg, handler)
			}
		}
	}
}

func (b *RedisStreamBus) ensureGroup(ctx context.Context, channel string) error {
	err := b.client.XGroupCreateMkStream(ctx, channel, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", b.group, channel, err)
	}
	return nil
}

// reclaim takes over entries another consumer left unacknowledged.
func (b *RedisStreamBus) reclaim(ctx context.Context, channel, consumer string, handler MessageHandler) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   channel,
		Group:    b.group,
		Consumer: consumer,
		MinIdle:  b.claimIdle,
		Start:    "0-0",
		Count:    streamReadCount,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Debugw("msg", "stream reclaim failed", "channel", channel, "error", err)
		}
		return
	}
	for _, msg := range msgs {
		b.logger.Infow("msg", "reclaimed pending stream entry", "channel", channel, "id", msg.ID)
		b.dispatch(ctx, channel, msg, handler)
	}
}

func (b *RedisStreamBus) dispatch(ctx context.Context, channel string, msg redis.XMessage, handler MessageHandler) {
	body, ok := streamBody(msg)
	if !ok {
		b.logger.Warnw("msg", "dropping malformed stream entry", "channel", channel, "id", msg.ID)
		b.ack(ctx, channel, msg.ID)
		return
	}
	if err := handler(ctx, body); err != nil {
		b.logger.Warnw("msg", "stream handler failed, entry left pending",
			"channel", channel,
			"id", msg.ID,
			"error", err)
		return
	}
	b.ack(ctx, channel, msg.ID)
}

// ack acknowledges and deletes a handled entry, so the stream only holds
// undelivered and pending work.
func (b *RedisStreamBus) ack(ctx context.Context, channel, id string) {
	// Acknowledge even when ctx was cancelled mid-handler.
	ctx = context.WithoutCancel(ctx)
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, channel, b.group, id)
		pipe.XDel(ctx, channel, id)
		return nil
	})
	if err != nil {
		b.logger.Warnw("msg", "stream ack failed", "channel", channel, "id", id, "error", err)
	}
}

// Pending returns the number of delivered but unacknowledged entries on channel.
func (b *RedisStreamBus) Pending(ctx context.Context, channel string) (int64, error) {
	res, err := b.client.XPending(ctx, channel, b.group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Close is a no-op: the Redis client is closed by its own provider.
func (b *RedisStreamBus) Close() error {
	return nil
}

func streamBody(msg redis.XMessage) ([]byte, bool) {
	switch v := msg.Values[streamBodyField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// sleepCtx waits for d and reports false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
