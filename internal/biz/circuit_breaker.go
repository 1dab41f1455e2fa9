package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ModelHub/internal/conf"
	"ModelHub/internal/metrics"
	"ModelHub/internal/model"
	pkgerrors "ModelHub/pkg/errors"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// IsFailure reports whether err counts toward the failure threshold.
	// Errors it rejects leave the counters untouched. Nil counts every error.
	IsFailure func(err error) bool
}

// DefaultBreakerConfig returns 5 failures / 60s recovery / 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// BreakerConfigFromConf builds a BreakerConfig from task.breaker settings,
// falling back to defaults for unset fields.
func BreakerConfigFromConf(c *conf.Task_Breaker) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if c == nil {
		return cfg
	}
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = int(c.FailureThreshold)
	}
	if c.RecoveryTimeout != nil && c.RecoveryTimeout.AsDuration() > 0 {
		cfg.RecoveryTimeout = c.RecoveryTimeout.AsDuration()
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = int(c.SuccessThreshold)
	}
	return cfg
}

// CircuitBreaker guards one logical operation. While open it fails fast with
// a *errors.CircuitOpenError without invoking the operation. It is safe for
// concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	name  string
	cfg   BreakerConfig
	state BreakerState

	failureCount    int
	successCount    int
	lastFailureTime time.Time

	// generation changes on every transition; outcomes of calls admitted in
	// an earlier generation are ignored.
	generation uint64
	// trials counts HalfOpen calls still running, capped at SuccessThreshold.
	trials int

	now           func() time.Time
	onStateChange func(model.BreakerTransition)
	logger        *pkglog.LogHelper
}

// NewCircuitBreaker creates a closed breaker named name.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger log.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(StateClosed.String()))
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		now:    time.Now,
		logger: pkglog.NewLogHelper(log.With(logger, "module", "biz/circuit-breaker")),
	}
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// SetClock replaces the time source.
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnStateChange registers fn to be called after every transition.
// fn runs outside the breaker lock.
func (b *CircuitBreaker) OnStateChange(fn func(model.BreakerTransition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// admission is the ticket of a call let through by before.
type admission struct {
	generation uint64
	trial      bool
}

// Execute runs op unless the breaker is open. While half-open at most
// SuccessThreshold calls run at once; the rest fail fast like in Open.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	adm, transition, err := b.before()
	b.notify(transition)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.notify(b.after(adm, fmt.Errorf("panic: %v", r)))
			panic(r)
		}
	}()
	result, opErr := op(ctx)

	b.notify(b.after(adm, opErr))
	return result, opErr
}

// ExecuteTyped is Execute for operations returning a T.
func ExecuteTyped[T any](ctx context.Context, b *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	res, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	v, _ := res.(T)
	return v, err
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and counters.
func (b *CircuitBreaker) Snapshot() model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := model.BreakerSnapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailureTime.IsZero() {
		ts := b.lastFailureTime
		snap.LastFailureTime = &ts
	}
	return snap
}

// before admits or rejects a call, moving Open to HalfOpen once the
// recovery timeout has elapsed.
func (b *CircuitBreaker) before() (admission, *model.BreakerTransition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var transition *model.BreakerTransition
	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.cfg.RecoveryTimeout {
			metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			return admission{}, nil, &pkgerrors.CircuitOpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		transition = b.transitionTo(StateHalfOpen)
	}

	if b.state != StateHalfOpen {
		return admission{generation: b.generation}, transition, nil
	}
	if b.trials >= b.cfg.SuccessThreshold {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return admission{}, transition, &pkgerrors.CircuitOpenError{Name: b.name}
	}
	b.trials++
	return admission{generation: b.generation, trial: true}, transition, nil
}

// after records the outcome of an admitted call.
func (b *CircuitBreaker) after(adm admission, err error) *model.BreakerTransition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if adm.generation != b.generation {
		return nil
	}
	if adm.trial {
		b.trials--
	}
	if err == nil {
		return b.onSuccess()
	}
	if b.cfg.IsFailure != nil && !b.cfg.IsFailure(err) {
		return nil
	}
	return b.onFailure()
}

// Must be called with b.mu held.
func (b *CircuitBreaker) onSuccess() *model.BreakerTransition {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			return b.transitionTo(StateClosed)
		}
	}
	return nil
}

// Must be called with b.mu held.
func (b *CircuitBreaker) onFailure() *model.BreakerTransition {
	switch b.state {
	case StateClosed:
		b.failureCount++
		b.lastFailureTime = b.now()
		if b.failureCount >= b.cfg.FailureThreshold {
			return b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.lastFailureTime = b.now()
		return b.transitionTo(StateOpen)
	}
	return nil
}

// transitionTo changes state and resets both counters.
// Must be called with b.mu held.
func (b *CircuitBreaker) transitionTo(newState BreakerState) *model.BreakerTransition {
	if b.state == newState {
		return nil
	}

	from := b.state
	b.state = newState
	b.generation++
	b.trials = 0
	b.failureCount = 0
	b.successCount = 0

	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(metrics.BreakerStateValue(newState.String()))

	b.logger.Breaker(fmt.Sprintf("circuit breaker %s: %s -> %s", b.name, from, newState),
		"breaker", b.name,
		"from", from.String(),
		"to", newState.String())

	return &model.BreakerTransition{
		Name: b.name,
		From: from.String(),
		To:   newState.String(),
		At:   b.now(),
	}
}

func (b *CircuitBreaker) notify(t *model.BreakerTransition) {
	if t == nil {
		return
	}
	b.mu.Lock()
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil {
		fn(*t)
	}
}

// BreakerRegistry owns the breakers of the process, one per logical operation.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults BreakerConfig
	logger   log.Logger
}

// NewBreakerRegistry creates a registry whose breakers default to task.breaker.
func NewBreakerRegistry(c *conf.Task, logger log.Logger) *BreakerRegistry {
	var bc *conf.Task_Breaker
	if c != nil {
		bc = c.Breaker
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: BreakerConfigFromConf(bc),
		logger:   logger,
	}
}

// Get returns the breaker named name, creating it with the defaults.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewCircuitBreaker(name, r.defaults, r.logger)
	r.breakers[name] = b
	return b
}

// Register creates a breaker with a custom configuration.
// It fails if a breaker with that name already exists.
func (r *BreakerRegistry) Register(name string, cfg BreakerConfig) (*CircuitBreaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; ok {
		return nil, fmt.Errorf("circuit breaker %q already registered", name)
	}
	b := NewCircuitBreaker(name, cfg, r.logger)
	r.breakers[name] = b
	return b, nil
}

// Snapshots returns the state of every breaker ordered by name.
func (r *BreakerRegistry) Snapshots() []model.BreakerSnapshot {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })
	out := make([]model.BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
