package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"ModelHub/internal/conf"
	"ModelHub/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeRuleRepo struct {
	mu      sync.Mutex
	rules   map[string]*model.AlertRule
	saveErr error
}

func newFakeRuleRepo() *fakeRuleRepo {
	return &fakeRuleRepo{rules: make(map[string]*model.AlertRule)}
}

func (r *fakeRuleRepo) Save(_ context.Context, rule *model.AlertRule) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rule
	r.rules[rule.Name] = &c
	return nil
}

func (r *fakeRuleRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[name]; !ok {
		return fmt.Errorf("alert rule not found: %s: %w", name, gorm.ErrRecordNotFound)
	}
	delete(r.rules, name)
	return nil
}

func (r *fakeRuleRepo) List(context.Context) ([]*model.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.AlertRule, 0, len(r.rules))
	for _, rule := range r.rules {
		c := *rule
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakeHistoryRepo struct {
	mu       sync.Mutex
	recorded []*model.AlertEvent
	stored   []*model.AlertEvent
	cutoff   time.Time
	deleted  int64
}

func (r *fakeHistoryRepo) Record(_ context.Context, event *model.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, cloneEvent(event))
}

func (r *fakeHistoryRepo) ListRecent(_ context.Context, limit int) ([]*model.AlertEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > len(r.stored) {
		limit = len(r.stored)
	}
	return r.stored[:limit], nil
}

func (r *fakeHistoryRepo) DeleteResolvedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoff = cutoff
	return r.deleted, nil
}

func (r *fakeHistoryRepo) Recorded() []*model.AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.AlertEvent(nil), r.recorded...)
}

type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (s *recordingSubmitter) SubmitTask(_ context.Context, taskType string, payload any) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	raw, _ := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, taskType+" "+string(raw))
	return fmt.Sprintf("task-%d", len(s.tasks)), nil
}

func (s *recordingSubmitter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type engineFixture struct {
	engine    *AlertEngine
	rules     *fakeRuleRepo
	history   *fakeHistoryRepo
	submitter *recordingSubmitter
	clock     *fakeClock
}

func newEngineFixture(t *testing.T, c *conf.Alert) *engineFixture {
	t.Helper()
	f := &engineFixture{
		rules:     newFakeRuleRepo(),
		history:   &fakeHistoryRepo{},
		submitter: &recordingSubmitter{},
		clock:     newFakeClock(),
	}
	engine, err := NewAlertEngine(c, f.rules, f.history, f.submitter, log.DefaultLogger)
	require.NoError(t, err)
	engine.now = f.clock.Now
	ids := 0
	engine.newID = func() string {
		ids++
		return fmt.Sprintf("evt-%d", ids)
	}
	f.engine = engine
	return f
}

func cpuRule(duration int64) *model.AlertRule {
	return &model.AlertRule{
		Name:            "high-cpu",
		MetricName:      "cpu.usage",
		Threshold:       80,
		Comparator:      model.ComparatorGT,
		DurationSeconds: duration,
		Level:           model.AlertLevelWarning,
		Type:            model.AlertTypeResource,
		MessageTemplate: "{metric} at {value}%",
		Enabled:         true,
	}
}

func (f *engineFixture) ingestAt(t *testing.T, offset time.Duration, value float64) *IngestResult {
	t.Helper()
	res, err := f.engine.Ingest(context.Background(), model.MetricSample{
		Name:      "cpu.usage",
		Value:     value,
		Timestamp: newFakeClock().Now().Add(offset),
	})
	require.NoError(t, err)
	return res
}

func TestAlertEngine_FiresOnceAfterDurationAndResolves(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.ConfigureRule(context.Background(), cpuRule(60)))

	assert.Empty(t, f.ingestAt(t, 0, 90).Fired)
	assert.Empty(t, f.ingestAt(t, 30*time.Second, 95).Fired)

	res := f.ingestAt(t, 60*time.Second, 91)
	require.Len(t, res.Fired, 1)
	fired := res.Fired[0]
	assert.Equal(t, "high-cpu", fired.RuleName)
	assert.Equal(t, "cpu.usage at 91%", fired.Message)
	assert.Equal(t, 91.0, fired.MetricValue)
	assert.False(t, fired.Resolved)

	for i := 3; i < 6; i++ {
		res = f.ingestAt(t, time.Duration(i)*30*time.Second, 99)
		assert.Empty(t, res.Fired)
	}
	assert.Len(t, f.engine.ListActiveAlerts(), 1)

	res = f.ingestAt(t, 200*time.Second, 40)
	require.Len(t, res.Resolved, 1)
	resolved := res.Resolved[0]
	assert.Equal(t, fired.ID, resolved.ID)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, newFakeClock().Now().Add(200*time.Second), *resolved.ResolvedAt)

	assert.Empty(t, f.engine.ListActiveAlerts())
	alerts := f.engine.ListAlerts(0)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)

	recorded := f.history.Recorded()
	require.Len(t, recorded, 2)
	assert.False(t, recorded[0].Resolved)
	assert.True(t, recorded[1].Resolved)
	assert.Equal(t, 2, f.submitter.Count())
}

func TestAlertEngine_BreakInConditionRestartsWindow(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.ConfigureRule(context.Background(), cpuRule(60)))

	f.ingestAt(t, 0, 90)
	f.ingestAt(t, 30*time.Second, 50)
	assert.Empty(t, f.ingestAt(t, 60*time.Second, 90).Fired)
	assert.Empty(t, f.ingestAt(t, 90*time.Second, 90).Fired)
	assert.Len(t, f.ingestAt(t, 120*time.Second, 90).Fired, 1)
}

func TestAlertEngine_LateSampleNeverResolvesBeforeTrigger(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.ConfigureRule(context.Background(), cpuRule(0)))

	fired := f.ingestAt(t, time.Minute, 95).Fired
	require.Len(t, fired, 1)

	// A sample taken before the alert fired arrives afterwards.
	res := f.ingestAt(t, 30*time.Second, 40)
	require.Len(t, res.Resolved, 1)
	resolved := res.Resolved[0]
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, fired[0].TriggeredAt, *resolved.ResolvedAt)
	assert.False(t, resolved.ResolvedAt.Before(resolved.TriggeredAt))
}

func TestAlertEngine_ZeroDurationFiresImmediately(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.ConfigureRule(context.Background(), cpuRule(0)))

	assert.Len(t, f.ingestAt(t, 0, 81).Fired, 1)
	assert.Empty(t, f.ingestAt(t, time.Second, 82).Fired)
	assert.Len(t, f.ingestAt(t, 2*time.Second, 80).Resolved, 1)
	assert.Len(t, f.ingestAt(t, 3*time.Second, 85).Fired, 1)
	assert.Len(t, f.engine.ListAlerts(10), 2)
}

func TestAlertEngine_Comparators(t *testing.T) {
	tests := []struct {
		comparator model.Comparator
		value      float64
		fires      bool
	}{
		{model.ComparatorGT, 80, false},
		{model.ComparatorGT, 80.5, true},
		{model.ComparatorGTE, 80, true},
		{model.ComparatorLT, 79, true},
		{model.ComparatorLTE, 80, true},
		{model.ComparatorLTE, 81, false},
		{model.ComparatorEQ, 80, true},
		{model.ComparatorEQ, 80.1, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.comparator, tt.value), func(t *testing.T) {
			f := newEngineFixture(t, nil)
			rule := cpuRule(0)
			rule.Comparator = tt.comparator
			require.NoError(t, f.engine.ConfigureRule(context.Background(), rule))

			res := f.ingestAt(t, 0, tt.value)
			assert.Equal(t, tt.fires, len(res.Fired) == 1)
		})
	}
}

func TestAlertEngine_IgnoresDisabledAndOtherMetrics(t *testing.T) {
	f := newEngineFixture(t, nil)
	rule := cpuRule(0)
	rule.Enabled = false
	require.NoError(t, f.engine.ConfigureRule(context.Background(), rule))

	assert.Empty(t, f.ingestAt(t, 0, 99).Fired)

	res, err := f.engine.Ingest(context.Background(), model.MetricSample{Name: "mem.usage", Value: 99})
	require.NoError(t, err)
	assert.Empty(t, res.Fired)
}

func TestAlertEngine_MessageTemplate(t *testing.T) {
	rule := cpuRule(0)
	rule.MessageTemplate = "[{level}] {rule}: {metric}={value} {comparison} {threshold} from {source} host={tag:host} dc={tag:dc}"
	sample := model.MetricSample{
		Name:   "cpu.usage",
		Value:  93.5,
		Source: "node-exporter",
		Tags:   map[string]string{"host": "web-1"},
	}
	assert.Equal(t,
		"[warning] high-cpu: cpu.usage=93.5 > 80 from node-exporter host=web-1 dc=",
		renderMessage(rule, sample))

	rule.MessageTemplate = ""
	assert.Equal(t, "high-cpu: cpu.usage is 93.5 (threshold 80)", renderMessage(rule, sample))
}

func TestAlertEngine_ConfigureRuleValidation(t *testing.T) {
	f := newEngineFixture(t, nil)

	rule := cpuRule(60)
	rule.Comparator = "!="
	err := f.engine.ConfigureRule(context.Background(), rule)
	assert.ErrorIs(t, err, ErrInvalidAlertRule)

	rule = cpuRule(-1)
	assert.ErrorIs(t, f.engine.ConfigureRule(context.Background(), rule), ErrInvalidAlertRule)
	assert.ErrorIs(t, f.engine.ConfigureRule(context.Background(), nil), ErrInvalidAlertRule)

	rules, _ := f.rules.List(context.Background())
	assert.Empty(t, rules)
	assert.Empty(t, f.engine.ListRules())
}

func TestAlertEngine_ConfigureRuleRepoError(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.rules.saveErr = errors.New("db down")

	err := f.engine.ConfigureRule(context.Background(), cpuRule(0))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidAlertRule)
	assert.Empty(t, f.engine.ListRules())
}

func TestAlertEngine_DisablingRuleResolvesOpenEvent(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.ConfigureRule(ctx, cpuRule(0)))
	require.Len(t, f.ingestAt(t, 0, 99).Fired, 1)

	rule := cpuRule(0)
	rule.Enabled = false
	require.NoError(t, f.engine.ConfigureRule(ctx, rule))

	assert.Empty(t, f.engine.ListActiveAlerts())
	alerts := f.engine.ListAlerts(1)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)
	assert.Len(t, f.history.Recorded(), 2)
}

func TestAlertEngine_ReconfigureRestartsWindow(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.ConfigureRule(ctx, cpuRule(60)))

	f.ingestAt(t, 0, 90)
	require.NoError(t, f.engine.ConfigureRule(ctx, cpuRule(60)))
	assert.Empty(t, f.ingestAt(t, 60*time.Second, 90).Fired)
	assert.Len(t, f.ingestAt(t, 120*time.Second, 90).Fired, 1)
}

func TestAlertEngine_DeleteRule(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.DeleteRule(ctx, "missing"), ErrAlertRuleNotFound)

	require.NoError(t, f.engine.ConfigureRule(ctx, cpuRule(0)))
	require.Len(t, f.ingestAt(t, 0, 99).Fired, 1)

	require.NoError(t, f.engine.DeleteRule(ctx, "high-cpu"))
	assert.Empty(t, f.engine.ListRules())
	assert.Empty(t, f.engine.ListActiveAlerts())
	assert.Empty(t, f.ingestAt(t, time.Second, 99).Fired)

	rules, _ := f.rules.List(ctx)
	assert.Empty(t, rules)
}

func TestAlertEngine_LoadRules(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.rules.Save(ctx, cpuRule(0)))
	disk := cpuRule(0)
	disk.Name = "disk-full"
	disk.MetricName = "disk.used"
	require.NoError(t, f.rules.Save(ctx, disk))

	triggered := newFakeClock().Now()
	resolvedAt := triggered.Add(time.Minute)
	f.history.stored = []*model.AlertEvent{
		{ID: "evt-open", RuleName: "high-cpu", TriggeredAt: triggered.Add(2 * time.Minute)},
		{ID: "evt-old", RuleName: "high-cpu", TriggeredAt: triggered, Resolved: true, ResolvedAt: &resolvedAt},
	}

	require.NoError(t, f.engine.LoadRules(ctx))

	rules := f.engine.ListRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "disk-full", rules[0].Name)
	assert.Equal(t, "high-cpu", rules[1].Name)

	active := f.engine.ListActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "evt-open", active[0].ID)

	alerts := f.engine.ListAlerts(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, "evt-open", alerts[0].ID)

	// The restored open event resolves on the next healthy sample.
	res := f.ingestAt(t, 3*time.Minute, 10)
	require.Len(t, res.Resolved, 1)
	assert.Equal(t, "evt-open", res.Resolved[0].ID)
}

func TestAlertEngine_HistoryRingIsBounded(t *testing.T) {
	f := newEngineFixture(t, &conf.Alert{HistorySize: 3})
	require.NoError(t, f.engine.ConfigureRule(context.Background(), cpuRule(0)))

	for i := 0; i < 5; i++ {
		f.ingestAt(t, time.Duration(2*i)*time.Second, 99)
		f.ingestAt(t, time.Duration(2*i+1)*time.Second, 10)
	}

	alerts := f.engine.ListAlerts(0)
	require.Len(t, alerts, 3)
	assert.Equal(t, "evt-5", alerts[0].ID)
	assert.Equal(t, "evt-3", alerts[2].ID)
	assert.Len(t, f.engine.ListAlerts(2), 2)
}

func TestAlertEngine_GetMetric(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, ok := f.engine.GetMetric("cpu.usage")
	assert.False(t, ok)

	f.ingestAt(t, 0, 10)
	f.ingestAt(t, time.Second, 20)

	latest, ok := f.engine.GetMetric("cpu.usage")
	require.True(t, ok)
	assert.Equal(t, 20.0, latest.Value)
}

func TestAlertEngine_IngestRequiresName(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, err := f.engine.Ingest(context.Background(), model.MetricSample{Value: 1})
	assert.ErrorIs(t, err, ErrInvalidMetricSample)
}

func TestAlertEngine_ZeroTimestampUsesClock(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.ConfigureRule(context.Background(), cpuRule(30)))

	_, err := f.engine.Ingest(context.Background(), model.MetricSample{Name: "cpu.usage", Value: 90})
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)
	res, err := f.engine.Ingest(context.Background(), model.MetricSample{Name: "cpu.usage", Value: 90})
	require.NoError(t, err)
	require.Len(t, res.Fired, 1)
	assert.Equal(t, f.clock.Now(), res.Fired[0].TriggeredAt)
}

func TestAlertEngine_NotificationFailureDoesNotBlock(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.submitter.err = errors.New("bus down")
	require.NoError(t, f.engine.ConfigureRule(context.Background(), cpuRule(0)))

	res := f.ingestAt(t, 0, 99)
	assert.Len(t, res.Fired, 1)
	assert.Len(t, f.history.Recorded(), 1)
}

func TestAlertEngine_ObserveTask(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.ConfigureRule(ctx, &model.AlertRule{
		Name:            "task-failures",
		MetricName:      TaskFailedMetric,
		Threshold:       1,
		Comparator:      model.ComparatorGTE,
		Level:           model.AlertLevelError,
		Type:            model.AlertTypeErrorRate,
		MessageTemplate: "task {tag:task_type} {tag:status}",
		Enabled:         true,
	}))

	completed := f.clock.Now()
	f.engine.ObserveTask(ctx, &model.Task{
		ID:          "t1",
		Type:        MetricIngestTaskType,
		Status:      model.TaskStatusFailed,
		CompletedAt: &completed,
	}, 120*time.Millisecond)

	active := f.engine.ListActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "task metric.ingest failed", active[0].Message)

	duration, ok := f.engine.GetMetric(TaskDurationMetric)
	require.True(t, ok)
	assert.Equal(t, 120.0, duration.Value)
	assert.Equal(t, "failed", duration.Tags["status"])

	// Notification tasks never feed the engine.
	f.engine.ObserveTask(ctx, &model.Task{ID: "t2", Type: AlertNotifyTaskType, Status: model.TaskStatusCompleted}, time.Millisecond)
	failed, _ := f.engine.GetMetric(TaskFailedMetric)
	assert.Equal(t, 1.0, failed.Value)
}
