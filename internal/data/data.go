// Package data provides data access layer implementations.
// It owns the collaborators of the task and alert core: the Redis client,
// the task ResultStore, the MessageBus adapters and the MySQL repositories.
package data

import (
	"context"
	"errors"
	"fmt"

	"ModelHub/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewMySQLClient,
	NewResultStore,
	NewMessageBus,
	NewAlertRuleRepo,
	NewAlertHistoryRepo,
	NewWebhookNotifier,
)

// Data contains the shared connections used for health reporting.
type Data struct {
	redisClient *redis.Client
	db          *gorm.DB
}

// NewData creates a new Data instance with all data layer dependencies.
// A nil Redis client does not prevent startup; Ping reports it instead.
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, db *gorm.DB) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, task results will be unavailable")
	}

	d := &Data{
		redisClient: rdb,
		db:          db,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// Connections are closed by the cleanup functions of their own providers.
	}

	return d, cleanup, nil
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}

// Ping checks that Redis and MySQL are reachable.
func (d *Data) Ping(ctx context.Context) error {
	var errs []error
	if d.redisClient == nil {
		errs = append(errs, errors.New("redis client is not configured"))
	} else if err := d.redisClient.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redis ping failed: %w", err))
	}
	if d.db != nil {
		sqlDB, err := d.db.DB()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get sql.DB: %w", err))
		} else if err := sqlDB.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mysql ping failed: %w", err))
		}
	}
	return errors.Join(errs...)
}
