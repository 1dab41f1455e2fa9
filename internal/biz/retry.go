package biz

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"ModelHub/internal/conf"
	"ModelHub/internal/metrics"
	pkgerrors "ModelHub/pkg/errors"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// RetryConfig configures a RetryPolicy. It is copied into the policy and
// never changes afterwards.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        bool
	// RetryableKinds lists the error kinds worth another attempt.
	// Empty means only errors.KindTransient.
	RetryableKinds []pkgerrors.Kind
}

// DefaultRetryConfig returns 3 attempts, 1s initial delay doubling up to 30s, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		BackoffFactor:  2.0,
		MaxDelay:       30 * time.Second,
		Jitter:         true,
		RetryableKinds: []pkgerrors.Kind{pkgerrors.KindTransient},
	}
}

// RetryConfigFromConf builds a RetryConfig from task.retry settings,
// falling back to defaults for unset fields.
func RetryConfigFromConf(c *conf.Task_Retry) RetryConfig {
	cfg := DefaultRetryConfig()
	if c == nil {
		return cfg
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = int(c.MaxRetries)
	}
	if c.InitialDelay != nil {
		cfg.InitialDelay = c.InitialDelay.AsDuration()
	}
	if c.BackoffFactor > 0 {
		cfg.BackoffFactor = c.BackoffFactor
	}
	if c.MaxDelay != nil && c.MaxDelay.AsDuration() > 0 {
		cfg.MaxDelay = c.MaxDelay.AsDuration()
	}
	cfg.Jitter = c.Jitter
	return cfg
}

// RetryPolicy runs an operation with bounded exponential backoff. Backoff
// sleeps end early when the context is cancelled.
type RetryPolicy struct {
	name   string
	cfg    RetryConfig
	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
	logger *pkglog.LogHelper
}

// NewRetryPolicy creates a policy named name (used in logs and metrics).
func NewRetryPolicy(name string, cfg RetryConfig, logger log.Logger) *RetryPolicy {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1
	}
	kinds := make([]pkgerrors.Kind, len(cfg.RetryableKinds))
	copy(kinds, cfg.RetryableKinds)
	cfg.RetryableKinds = kinds

	return &RetryPolicy{
		name:   name,
		cfg:    cfg,
		random: rand.Float64,
		sleep:  sleepContext,
		logger: pkglog.NewLogHelper(log.With(logger, "module", "biz/retry")),
	}
}

// Config returns a copy of the policy configuration.
func (p *RetryPolicy) Config() RetryConfig {
	cfg := p.cfg
	cfg.RetryableKinds = append([]pkgerrors.Kind(nil), p.cfg.RetryableKinds...)
	return cfg
}

// Execute calls op until it succeeds, fails with a non-retryable error, or
// MaxRetries attempts have been made. The last error is returned as is; a
// cancelled context is joined with it.
func (p *RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Join(err, lastErr)
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !pkgerrors.IsRetryable(err, p.cfg.RetryableKinds...) {
			return nil, err
		}
		if attempt == p.cfg.MaxRetries-1 {
			break
		}

		delay := p.Delay(attempt)
		p.logger.Retry("retrying after failure",
			"policy", p.name,
			"attempt", attempt+1,
			"max_retries", p.cfg.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", err)
		metrics.RetryAttempts.WithLabelValues(p.name).Inc()

		if err := p.sleep(ctx, delay); err != nil {
			return nil, errors.Join(err, lastErr)
		}
	}
	return nil, lastErr
}

// RetryTyped is Execute for operations returning a T.
func RetryTyped[T any](ctx context.Context, p *RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	res, err := p.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	v, _ := res.(T)
	return v, err
}

// Delay returns the backoff before the retry following attempt (0-based):
// min(InitialDelay * BackoffFactor^attempt, MaxDelay), scaled into
// [0.5x, 1.5x) when jitter is enabled.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffFactor, float64(attempt))
	if p.cfg.MaxDelay > 0 && d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter {
		d *= 0.5 + p.random()
	}
	return time.Duration(d)
}

// sleepContext waits for d unless ctx is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
