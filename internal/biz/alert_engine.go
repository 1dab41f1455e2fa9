package biz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ModelHub/internal/conf"
	"ModelHub/internal/metrics"
	"ModelHub/internal/model"
	pkgerrors "ModelHub/pkg/errors"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrAlertRuleNotFound is returned when a rule does not exist.
	ErrAlertRuleNotFound = errors.New("alert rule not found")
	// ErrInvalidAlertRule wraps rule validation failures.
	ErrInvalidAlertRule = errors.New("invalid alert rule")
	// ErrInvalidMetricSample is returned for samples without a metric name.
	ErrInvalidMetricSample = errors.New("invalid metric sample")
)

const (
	defaultAlertHistorySize = 500
	defaultMetricCacheSize  = 1024
	defaultMessageTemplate  = "{rule}: {metric} is {value} (threshold {threshold})"

	// Samples emitted for every processed task.
	TaskDurationMetric = "task.duration_ms"
	TaskFailedMetric   = "task.failed"
)

// AlertRuleRepo persists alert rules.
type AlertRuleRepo interface {
	Save(ctx context.Context, rule *model.AlertRule) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*model.AlertRule, error)
}

// AlertHistoryRepo persists fired and resolved alert events.
type AlertHistoryRepo interface {
	Record(ctx context.Context, event *model.AlertEvent)
	ListRecent(ctx context.Context, limit int) ([]*model.AlertEvent, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertNotifier delivers alert events to operators.
type AlertNotifier interface {
	Notify(ctx context.Context, event *model.AlertEvent) error
}

// IngestResult reports the events a sample caused.
type IngestResult struct {
	Fired    []*model.AlertEvent
	Resolved []*model.AlertEvent
}

// ruleState tracks the continuous-condition window of one rule.
type ruleState struct {
	rule           *model.AlertRule
	conditionStart time.Time
	open           *model.AlertEvent
}

// AlertEngine evaluates metric samples against alert rules. A rule fires once
// its condition has held continuously for the rule duration, and at most one
// event per rule is open at a time. The first sample that no longer breaches
// resolves the open event.
type AlertEngine struct {
	rules     AlertRuleRepo
	history   AlertHistoryRepo
	submitter TaskSubmitter

	mu          sync.Mutex
	states      map[string]*ruleState
	events      []*model.AlertEvent
	historySize int

	latest *lru.Cache[string, model.MetricSample]

	now    func() time.Time
	newID  func() string
	logger *pkglog.LogHelper
}

// NewAlertEngine creates an engine with no rules. Call LoadRules to restore
// the persisted rule set.
func NewAlertEngine(c *conf.Alert, rules AlertRuleRepo, history AlertHistoryRepo, submitter TaskSubmitter, logger log.Logger) (*AlertEngine, error) {
	historySize := defaultAlertHistorySize
	cacheSize := defaultMetricCacheSize
	if c != nil {
		if c.HistorySize > 0 {
			historySize = int(c.HistorySize)
		}
		if c.MetricCacheSize > 0 {
			cacheSize = int(c.MetricCacheSize)
		}
	}

	latest, err := lru.New[string, model.MetricSample](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric cache: %w", err)
	}

	return &AlertEngine{
		rules:       rules,
		history:     history,
		submitter:   submitter,
		states:      make(map[string]*ruleState),
		historySize: historySize,
		latest:      latest,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      pkglog.NewLogHelper(log.With(logger, "module", "biz/alert-engine")),
	}, nil
}

// LoadRules replaces the in-memory rule set with the persisted one and
// restores recent alert history, reopening events that were never resolved.
func (e *AlertEngine) LoadRules(ctx context.Context) error {
	rules, err := e.rules.List(ctx)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}
	recent, err := e.history.ListRecent(ctx, e.historySize)
	if err != nil {
		return fmt.Errorf("load alert history: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.states = make(map[string]*ruleState, len(rules))
	for _, rule := range rules {
		e.states[rule.Name] = &ruleState{rule: rule}
	}

	// ListRecent is newest first; the ring is oldest first.
	e.events = e.events[:0]
	for i := len(recent) - 1; i >= 0; i-- {
		event := recent[i]
		e.events = append(e.events, event)
		if event.Resolved {
			continue
		}
		if st, ok := e.states[event.RuleName]; ok && st.open == nil {
			st.open = event
		}
	}

	active := 0
	for _, st := range e.states {
		if st.open != nil {
			active++
		}
	}
	metrics.AlertsActive.Set(float64(active))

	e.logger.Startup("alert rules loaded", "rules", len(rules), "history", len(e.events), "active", active)
	return nil
}

// ConfigureRule validates, persists and activates rule, replacing any rule
// with the same name. The condition window restarts; disabling a rule or
// moving it to another metric resolves its open event.
func (e *AlertEngine) ConfigureRule(ctx context.Context, rule *model.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidAlertRule)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAlertRule, err)
	}

	stored := *rule
	if err := e.rules.Save(ctx, &stored); err != nil {
		return fmt.Errorf("save alert rule %s: %w", rule.Name, err)
	}

	var resolved *model.AlertEvent
	now := e.now().UTC()

	e.mu.Lock()
	st, ok := e.states[rule.Name]
	if !ok {
		st = &ruleState{}
		e.states[rule.Name] = st
	}
	previous := st.rule
	st.rule = &stored
	st.conditionStart = time.Time{}
	if st.open != nil && (!stored.Enabled || (previous != nil && previous.MetricName != stored.MetricName)) {
		resolved = e.resolveLocked(st, now)
	}
	e.mu.Unlock()

	e.logger.Infow("msg", "alert rule configured",
		"rule", stored.Name,
		"metric", stored.MetricName,
		"comparison", string(stored.Comparator),
		"threshold", stored.Threshold,
		"duration", stored.DurationSeconds,
		"enabled", stored.Enabled)

	if resolved != nil {
		e.publish(ctx, nil, []*model.AlertEvent{resolved})
	}
	return nil
}

// DeleteRule removes the rule and resolves its open event.
func (e *AlertEngine) DeleteRule(ctx context.Context, name string) error {
	repoErr := e.rules.Delete(ctx, name)
	if repoErr != nil && !pkgerrors.IsNotFoundError(repoErr) {
		return fmt.Errorf("delete alert rule %s: %w", name, repoErr)
	}

	var resolved *model.AlertEvent
	e.mu.Lock()
	st, ok := e.states[name]
	if ok {
		if st.open != nil {
			resolved = e.resolveLocked(st, e.now().UTC())
		}
		delete(e.states, name)
	}
	e.mu.Unlock()

	if !ok && repoErr != nil {
		return fmt.Errorf("%w: %s", ErrAlertRuleNotFound, name)
	}

	e.logger.Infow("msg", "alert rule deleted", "rule", name)
	if resolved != nil {
		e.publish(ctx, nil, []*model.AlertEvent{resolved})
	}
	return nil
}

// ListRules returns the active rule set ordered by name.
func (e *AlertEngine) ListRules() []*model.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := make([]*model.AlertRule, 0, len(e.states))
	for _, st := range e.states {
		r := *st.rule
		rules = append(rules, &r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// Ingest evaluates sample against every enabled rule watching its metric.
func (e *AlertEngine) Ingest(ctx context.Context, sample model.MetricSample) (*IngestResult, error) {
	if sample.Name == "" {
		return nil, fmt.Errorf("%w: metric_name is required", ErrInvalidMetricSample)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = e.now()
	}
	sample.Timestamp = sample.Timestamp.UTC()
	ts := sample.Timestamp

	metrics.MetricSamples.WithLabelValues(sample.Name).Inc()
	e.latest.Add(sample.Name, sample)

	var fired, resolved []*model.AlertEvent

	e.mu.Lock()
	for _, st := range e.states {
		rule := st.rule
		if !rule.Enabled || rule.MetricName != sample.Name {
			continue
		}

		holds, err := rule.Comparator.Compare(sample.Value, rule.Threshold)
		if err != nil {
			// Rules are validated on configuration; a stored rule may still be corrupt.
			e.logger.Warnw("msg", "skipping rule with invalid comparator", "rule", rule.Name, "error", err)
			continue
		}

		if !holds {
			st.conditionStart = time.Time{}
			if st.open != nil {
				resolved = append(resolved, e.resolveLocked(st, ts))
			}
			continue
		}

		if st.conditionStart.IsZero() {
			st.conditionStart = ts
		}
		if st.open == nil && ts.Sub(st.conditionStart) >= rule.Duration() {
			fired = append(fired, e.fireLocked(st, sample))
		}
	}
	e.mu.Unlock()

	sortEvents(fired)
	sortEvents(resolved)
	e.publish(ctx, fired, resolved)
	return &IngestResult{Fired: fired, Resolved: resolved}, nil
}

// fireLocked opens an event for st. Must be called with e.mu held.
// It returns a copy safe to use after unlocking.
func (e *AlertEngine) fireLocked(st *ruleState, sample model.MetricSample) *model.AlertEvent {
	rule := st.rule
	event := &model.AlertEvent{
		ID:          e.newID(),
		RuleName:    rule.Name,
		Level:       rule.Level,
		Type:        rule.Type,
		Message:     renderMessage(rule, sample),
		MetricValue: sample.Value,
		Threshold:   rule.Threshold,
		TriggeredAt: sample.Timestamp,
	}
	st.open = event

	e.events = append(e.events, event)
	if len(e.events) > e.historySize {
		e.events = e.events[len(e.events)-e.historySize:]
	}
	return cloneEvent(event)
}

// resolveLocked closes the open event of st in place. Must be called with
// e.mu held. It returns a copy safe to use after unlocking.
func (e *AlertEngine) resolveLocked(st *ruleState, at time.Time) *model.AlertEvent {
	event := st.open
	st.open = nil
	// Concurrent producers may deliver samples out of order.
	if at.Before(event.TriggeredAt) {
		at = event.TriggeredAt
	}
	event.Resolved = true
	event.ResolvedAt = &at
	return cloneEvent(event)
}

// publish persists, logs, counts and notifies events outside the lock.
func (e *AlertEngine) publish(ctx context.Context, fired, resolved []*model.AlertEvent) {
	for _, event := range fired {
		e.history.Record(ctx, event)
		metrics.AlertEvents.WithLabelValues(event.RuleName, string(event.Level), "fired").Inc()
		metrics.AlertsActive.Inc()
		e.logger.Alert(event.Message,
			"event_id", event.ID,
			"rule", event.RuleName,
			"level", string(event.Level),
			"alert_type", string(event.Type),
			"metric_value", event.MetricValue,
			"threshold", event.Threshold)
		e.notify(ctx, event)
	}
	for _, event := range resolved {
		e.history.Record(ctx, event)
		metrics.AlertEvents.WithLabelValues(event.RuleName, string(event.Level), "resolved").Inc()
		metrics.AlertsActive.Dec()
		e.logger.AlertResolved("alert resolved: "+event.RuleName,
			"event_id", event.ID,
			"rule", event.RuleName,
			"level", string(event.Level),
			"duration_ms", event.ResolvedAt.Sub(event.TriggeredAt).Milliseconds())
		e.notify(ctx, event)
	}
}

func (e *AlertEngine) notify(ctx context.Context, event *model.AlertEvent) {
	if e.submitter == nil {
		return
	}
	if _, err := e.submitter.SubmitTask(ctx, AlertNotifyTaskType, event); err != nil {
		e.logger.Warnw("msg", "failed to submit alert notification",
			"event_id", event.ID,
			"rule", event.RuleName,
			"error", err)
	}
}

// ListAlerts returns up to limit recent events, newest first. A limit <= 0
// returns the whole in-memory history.
func (e *AlertEngine) ListAlerts(limit int) []*model.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.AlertEvent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneEvent(e.events[i]))
	}
	return out
}

// ListActiveAlerts returns the open events ordered by trigger time.
func (e *AlertEngine) ListActiveAlerts() []*model.AlertEvent {
	e.mu.Lock()
	out := make([]*model.AlertEvent, 0)
	for _, st := range e.states {
		if st.open != nil {
			out = append(out, cloneEvent(st.open))
		}
	}
	e.mu.Unlock()

	sortEvents(out)
	return out
}

// GetMetric returns the latest sample seen for name.
func (e *AlertEngine) GetMetric(name string) (model.MetricSample, bool) {
	return e.latest.Get(name)
}

// ObserveTask feeds task instrumentation samples into the engine.
// Notification tasks are skipped so alerts cannot trigger themselves.
func (e *AlertEngine) ObserveTask(ctx context.Context, task *model.Task, elapsed time.Duration) {
	if task.Type == AlertNotifyTaskType {
		return
	}

	tags := map[string]string{
		"task_type": task.Type,
		"status":    string(task.Status),
	}
	ts := e.now()
	if task.CompletedAt != nil {
		ts = *task.CompletedAt
	}

	failed := 0.0
	if task.Status == model.TaskStatusFailed {
		failed = 1
	}

	samples := []model.MetricSample{
		{Name: TaskDurationMetric, Value: float64(elapsed.Milliseconds()), Tags: tags, Timestamp: ts, Source: "task_queue"},
		{Name: TaskFailedMetric, Value: failed, Tags: tags, Timestamp: ts, Source: "task_queue"},
	}
	for _, s := range samples {
		if _, err := e.Ingest(ctx, s); err != nil {
			e.logger.Warnw("msg", "failed to ingest task sample", "metric", s.Name, "error", err)
		}
	}
}

var tagPlaceholder = regexp.MustCompile(`\{tag:([^}]+)\}`)

// renderMessage interpolates the rule template with the sample.
func renderMessage(rule *model.AlertRule, sample model.MetricSample) string {
	tmpl := rule.MessageTemplate
	if tmpl == "" {
		tmpl = defaultMessageTemplate
	}

	tmpl = tagPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := tagPlaceholder.FindStringSubmatch(m)[1]
		return sample.Tags[key]
	})

	return strings.NewReplacer(
		"{rule}", rule.Name,
		"{metric}", sample.Name,
		"{value}", formatFloat(sample.Value),
		"{threshold}", formatFloat(rule.Threshold),
		"{comparison}", string(rule.Comparator),
		"{source}", sample.Source,
		"{level}", string(rule.Level),
	).Replace(tmpl)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func cloneEvent(e *model.AlertEvent) *model.AlertEvent {
	c := *e
	if e.ResolvedAt != nil {
		ts := *e.ResolvedAt
		c.ResolvedAt = &ts
	}
	return &c
}

func sortEvents(events []*model.AlertEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].TriggeredAt.Equal(events[j].TriggeredAt) {
			return events[i].RuleName < events[j].RuleName
		}
		return events[i].TriggeredAt.Before(events[j].TriggeredAt)
	})
}
