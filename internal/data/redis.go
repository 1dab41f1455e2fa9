// Package data provides data access layer implementations.
package data

import (
	"context"
	"fmt"
	"time"

	"ModelHub/internal/conf"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Each worker goroutine holds a connection while blocked on XREADGROUP, so the
// pool stays well above task.workers.
const (
	redisPoolSize        = 100
	redisMinIdleConns    = 10
	redisDialTimeout     = 3 * time.Second
	redisConnMaxIdleTime = 5 * time.Minute
)

// NewRedisClient creates the shared Redis client used by the result store and
// the stream bus.
//
// A nil or address-less config yields a nil client. A failed ping still returns
// the client together with the error so callers may degrade instead of abort.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func(), error) {
	helper := pkglog.NewLogHelper(logger)

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Warnw("msg", "redis address not configured, client disabled")
		return nil, func() {}, nil
	}

	network := c.Redis.Network
	if network == "" {
		network = "tcp"
	}

	rdb := redis.NewClient(&redis.Options{
		Network:         network,
		Addr:            c.Redis.Addr,
		Password:        c.Redis.Password,
		DB:              int(c.Redis.Db),
		PoolSize:        redisPoolSize,
		MinIdleConns:    redisMinIdleConns,
		DialTimeout:     redisDialTimeout,
		ReadTimeout:     c.Redis.ReadTimeout.AsDuration(),
		WriteTimeout:    c.Redis.WriteTimeout.AsDuration(),
		ConnMaxIdleTime: redisConnMaxIdleTime,
	})
	cleanup := func() {
		helper.Redis("closing redis client", "addr", c.Redis.Addr)
		if err := rdb.Close(); err != nil {
			helper.Errorw("msg", "close redis", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnw("msg", "redis ping failed", "addr", c.Redis.Addr, "error", err)
		return rdb, cleanup, fmt.Errorf("redis ping failed: %w", err)
	}

	helper.Redis("redis connected", "addr", c.Redis.Addr, "db", c.Redis.Db)
	return rdb, cleanup, nil
}
