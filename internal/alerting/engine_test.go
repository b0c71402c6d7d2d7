package alerting

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/conf"
	"github.com/opsgate/opsgate/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

// fakeSource serves a fixed set of samples for any window.
type fakeSource struct {
	mu      sync.Mutex
	samples map[string][]MetricPoint
}

func newFakeSource() *fakeSource {
	return &fakeSource{samples: make(map[string][]MetricPoint)}
}

func (f *fakeSource) set(metric string, at time.Time, values ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[metric] = nil
	for _, v := range values {
		f.samples[metric] = append(f.samples[metric], MetricPoint{Timestamp: at, Value: v})
	}
}

func (f *fakeSource) Samples(metric string, since time.Time) []MetricPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []MetricPoint
	for _, p := range f.samples[metric] {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeSource) Record(metric string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[metric] = append(f.samples[metric], MetricPoint{Timestamp: time.Now(), Value: value})
}

// fakeRuleRepo is a minimal in-memory RuleRepository for engine tests.
type fakeRuleRepo struct {
	mu     sync.Mutex
	nextID uint
	rules  map[uint]AlertRule
	fired  []FiredRecord
}

func newFakeRuleRepo() *fakeRuleRepo {
	return &fakeRuleRepo{rules: make(map[uint]AlertRule)}
}

func (r *fakeRuleRepo) ListRules(_ context.Context, _ RuleFilter) ([]AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AlertRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (r *fakeRuleRepo) GetRule(_ context.Context, id uint) (*AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return &rule, nil
}

func (r *fakeRuleRepo) CreateRule(_ context.Context, rule *AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rule.ID = r.nextID
	r.rules[rule.ID] = *rule
	return nil
}

func (r *fakeRuleRepo) UpdateRule(_ context.Context, rule *AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.ID]; !ok {
		return ErrRuleNotFound
	}
	r.rules[rule.ID] = *rule
	return nil
}

func (r *fakeRuleRepo) DeleteRule(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, id)
	return nil
}

func (r *fakeRuleRepo) ToggleRule(_ context.Context, id uint, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	rule.Enabled = enabled
	r.rules[id] = rule
	return nil
}

func (r *fakeRuleRepo) GetEnabledRules(_ context.Context) ([]AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AlertRule
	for _, rule := range r.rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *fakeRuleRepo) CountRulesByName(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rule := range r.rules {
		if rule.Name == name {
			n++
		}
	}
	return n, nil
}

func (r *fakeRuleRepo) SaveFired(_ context.Context, record *FiredRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, *record)
	return nil
}

func (r *fakeRuleRepo) ListFired(_ context.Context, _ HistoryFilter) ([]FiredRecord, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FiredRecord, len(r.fired))
	copy(out, r.fired)
	return out, int64(len(out)), nil
}

func (r *fakeRuleRepo) DeleteFiredBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.fired[:0]
	var n int64
	for _, rec := range r.fired {
		if rec.FiredAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	r.fired = kept
	return n, nil
}

func memoryRule(threshold float64, cooldown time.Duration) AlertRule {
	return AlertRule{
		Name:     "High memory usage",
		Enabled:  true,
		Severity: SeverityError,
		Condition: RuleCondition{
			Metric:      "memory_usage",
			Operator:    OperatorGreaterThan,
			Threshold:   threshold,
			Duration:    conf.Duration(5 * time.Minute),
			Aggregation: AggregationAvg,
		},
		Cooldown: conf.Duration(cooldown),
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeRuleRepo, *fakeSource, *Store) {
	t.Helper()
	repo := newFakeRuleRepo()
	source := newFakeSource()
	store := NewStore(testLogger(), StoreOptions{})
	engine := NewEngine(repo, source, store, testLogger())
	return engine, repo, source, store
}

func TestEngineFiresWhenConditionHolds(t *testing.T) {
	t.Parallel()
	engine, repo, source, store := newTestEngine(t)
	ctx := context.Background()

	rule := memoryRule(90, 10*time.Minute)
	require.NoError(t, repo.CreateRule(ctx, &rule))

	now := time.Now()
	source.set("memory_usage", now, 95, 96)
	engine.SetClock(func() time.Time { return now })

	require.NoError(t, engine.Tick(ctx))

	alerts := store.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, rule.ID, alerts[0].RuleID)
	assert.Equal(t, SeverityError, alerts[0].Severity)
	assert.InDelta(t, 95.5, alerts[0].Value, 0.0001)
	assert.InDelta(t, 90.0, alerts[0].Threshold, 0.0001)

	fired, total, err := repo.ListFired(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, alerts[0].ID, fired[0].AlertID)
}

func TestEngineCooldownBlocksRefire(t *testing.T) {
	t.Parallel()
	engine, repo, source, store := newTestEngine(t)
	ctx := context.Background()

	rule := memoryRule(90, 10*time.Minute)
	require.NoError(t, repo.CreateRule(ctx, &rule))

	now := time.Now()
	source.set("memory_usage", now, 95)
	engine.SetClock(func() time.Time { return now })
	require.NoError(t, engine.Tick(ctx))
	require.Len(t, store.GetAlerts(AlertFilter{}), 1)

	// Condition still holds one tick later, inside the cooldown window.
	later := now.Add(time.Minute)
	source.set("memory_usage", later, 97)
	engine.SetClock(func() time.Time { return later })
	require.NoError(t, engine.Tick(ctx))
	assert.Len(t, store.GetAlerts(AlertFilter{}), 1, "cooldown must block a second alert")

	// Past the cooldown it fires again.
	afterCooldown := now.Add(11 * time.Minute)
	source.set("memory_usage", afterCooldown, 97)
	engine.SetClock(func() time.Time { return afterCooldown })
	require.NoError(t, engine.Tick(ctx))
	assert.Len(t, store.GetAlerts(AlertFilter{}), 2)
}

func TestEngineZeroDurationUsesEntireHistory(t *testing.T) {
	t.Parallel()
	engine, repo, source, store := newTestEngine(t)
	ctx := context.Background()

	rule := memoryRule(90, 10*time.Minute)
	rule.Condition.Duration = 0
	require.NoError(t, repo.CreateRule(ctx, &rule))

	// The only sample is well outside any recent window.
	now := time.Now()
	source.set("memory_usage", now.Add(-10*time.Minute), 95)
	engine.SetClock(func() time.Time { return now })

	require.NoError(t, engine.Tick(ctx))
	require.Len(t, store.ActiveAlerts(), 1, "unset duration evaluates all history")
}

func TestEngineSkipsEmptyWindow(t *testing.T) {
	t.Parallel()
	engine, repo, _, store := newTestEngine(t)
	ctx := context.Background()

	rule := memoryRule(90, 0)
	require.NoError(t, repo.CreateRule(ctx, &rule))

	require.NoError(t, engine.Tick(ctx))
	assert.Empty(t, store.GetAlerts(AlertFilter{}), "no samples means no evaluation")
}

func TestEngineStats(t *testing.T) {
	t.Parallel()
	engine, repo, source, _ := newTestEngine(t)
	ctx := context.Background()

	rule := memoryRule(90, 0)
	require.NoError(t, repo.CreateRule(ctx, &rule))

	now := time.Now()
	source.set("memory_usage", now, 95)
	engine.SetClock(func() time.Time { return now })
	require.NoError(t, engine.Tick(ctx))

	stats := engine.Stats(rule.ID)
	assert.EqualValues(t, 1, stats.TriggerCount)
	require.NotNil(t, stats.LastTriggered)
	assert.True(t, stats.LastTriggered.Equal(now))

	rules, err := repo.ListRules(ctx, RuleFilter{})
	require.NoError(t, err)
	engine.Annotate(rules)
	assert.Equal(t, 1, rules[0].TriggerCount)
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newFakeRuleRepo()
	ctx := context.Background()

	created, err := SeedDefaults(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRules()), created)

	created, err = SeedDefaults(ctx, repo)
	require.NoError(t, err)
	assert.Zero(t, created, "second seeding must create nothing")
}
