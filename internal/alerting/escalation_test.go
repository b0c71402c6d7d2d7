package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/conf"
)

type recordingEscalationNotifier struct {
	mu    sync.Mutex
	pages []int // levels in order
}

func (n *recordingEscalationNotifier) NotifyEscalation(_ *Alert, _ *EscalationPolicy, level EscalationLevel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages = append(n.pages, level.Level)
}

func (n *recordingEscalationNotifier) levels() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.pages))
	copy(out, n.pages)
	return out
}

func twoLevelPolicy() *EscalationPolicy {
	return &EscalationPolicy{
		Name: "ops",
		Levels: []EscalationLevel{
			{Level: 1, After: conf.Duration(5 * time.Minute), Channels: []string{"slack-ops"}},
			{Level: 2, After: conf.Duration(15 * time.Minute), Channels: []string{"pagerduty"}},
		},
	}
}

func newTestEscalator(t *testing.T, opts EscalatorOptions) (*Escalator, *Store, *recordingEscalationNotifier) {
	t.Helper()
	notifier := &recordingEscalationNotifier{}
	opts.Notifier = notifier
	store := NewStore(testLogger(), StoreOptions{})
	return NewEscalator(store, testLogger(), opts), store, notifier
}

func TestEscalatorSelectsHighestElapsedLevel(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true})

	policy, err := esc.AddPolicy(twoLevelPolicy())
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err = store.Create(&Alert{
		RuleID:             1,
		Name:               "a",
		Severity:           SeverityError,
		EscalationPolicyID: policy.ID,
	})
	require.NoError(t, err)

	// 20 minutes in, both levels have elapsed; only level 2 fires.
	esc.SetClock(func() time.Time { return now.Add(20 * time.Minute) })
	esc.Tick()
	assert.Equal(t, []int{2}, notifier.levels())
}

func TestEscalatorBeforeFirstLevel(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true})

	policy, err := esc.AddPolicy(twoLevelPolicy())
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err = store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError, EscalationPolicyID: policy.ID})
	require.NoError(t, err)

	esc.SetClock(func() time.Time { return now.Add(time.Minute) })
	esc.Tick()
	assert.Empty(t, notifier.levels())
}

func TestEscalatorRepeatsEachTick(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true})

	policy, err := esc.AddPolicy(twoLevelPolicy())
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err = store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError, EscalationPolicyID: policy.ID})
	require.NoError(t, err)

	esc.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	esc.Tick()
	esc.Tick()
	assert.Equal(t, []int{1, 1}, notifier.levels())
}

func TestEscalatorFiresOncePerLevelWhenRepeatDisabled(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: false})

	policy, err := esc.AddPolicy(twoLevelPolicy())
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err = store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError, EscalationPolicyID: policy.ID})
	require.NoError(t, err)

	esc.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	esc.Tick()
	esc.Tick()
	esc.SetClock(func() time.Time { return now.Add(16 * time.Minute) })
	esc.Tick()
	esc.Tick()
	assert.Equal(t, []int{1, 2}, notifier.levels())
}

func TestEscalatorHonorsMaxEscalations(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true})

	policy := twoLevelPolicy()
	policy.MaxEscalations = 2
	added, err := esc.AddPolicy(policy)
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err = store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError, EscalationPolicyID: added.ID})
	require.NoError(t, err)

	esc.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	for i := 0; i < 5; i++ {
		esc.Tick()
	}
	assert.Len(t, notifier.levels(), 2)
}

func TestEscalatorHonorsRepeatInterval(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true})

	policy := twoLevelPolicy()
	policy.RepeatInterval = conf.Duration(10 * time.Minute)
	added, err := esc.AddPolicy(policy)
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err = store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError, EscalationPolicyID: added.ID})
	require.NoError(t, err)

	esc.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	esc.Tick()
	esc.SetClock(func() time.Time { return now.Add(7 * time.Minute) })
	esc.Tick() // inside the repeat interval, skipped
	esc.SetClock(func() time.Time { return now.Add(17 * time.Minute) })
	esc.Tick()
	assert.Equal(t, []int{1, 2}, notifier.levels())
}

func TestEscalatorStopsOnAcknowledge(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true})

	policy, err := esc.AddPolicy(twoLevelPolicy())
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	alert, err := store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError, EscalationPolicyID: policy.ID})
	require.NoError(t, err)

	esc.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	esc.Tick()
	require.Equal(t, []int{1}, notifier.levels())

	_, err = store.Acknowledge(alert.ID, "alice")
	require.NoError(t, err)
	esc.Tick()
	assert.Equal(t, []int{1}, notifier.levels(), "acknowledged alerts stop escalating")
}

func TestEscalatorFallbackPolicy(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true, DefaultAge: 5 * time.Minute})

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err := store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError})
	require.NoError(t, err)

	esc.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	esc.Tick()
	assert.Equal(t, []int{1}, notifier.levels())
}

func TestEscalatorAgeThresholdGatesEarlyLevels(t *testing.T) {
	t.Parallel()
	esc, store, notifier := newTestEscalator(t, EscalatorOptions{Repeat: true, DefaultAge: 5 * time.Minute})

	policy, err := esc.AddPolicy(&EscalationPolicy{
		Name:   "eager",
		Levels: []EscalationLevel{{Level: 1, After: conf.Duration(time.Minute), Channels: []string{"slack-ops"}}},
	})
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, err = store.Create(&Alert{RuleID: 1, Name: "a", Severity: SeverityError, EscalationPolicyID: policy.ID})
	require.NoError(t, err)

	// The level's After has elapsed, but the alert is younger than the
	// age threshold.
	esc.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	esc.Tick()
	assert.Empty(t, notifier.levels())

	esc.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	esc.Tick()
	assert.Equal(t, []int{1}, notifier.levels())
}

func TestPolicyCRUD(t *testing.T) {
	t.Parallel()
	esc, _, _ := newTestEscalator(t, EscalatorOptions{})

	_, err := esc.AddPolicy(&EscalationPolicy{Name: "empty"})
	require.Error(t, err, "a policy without levels is rejected")

	added, err := esc.AddPolicy(twoLevelPolicy())
	require.NoError(t, err)

	got, err := esc.GetPolicy(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Name)

	got.Name = "ops-eu"
	_, err = esc.UpdatePolicy(added.ID, got)
	require.NoError(t, err)

	all := esc.Policies()
	require.Len(t, all, 1)
	assert.Equal(t, "ops-eu", all[0].Name)

	require.NoError(t, esc.DeletePolicy(added.ID))
	require.ErrorIs(t, esc.DeletePolicy(added.ID), ErrPolicyNotFound)
}

type memoryPolicyRepo struct {
	mu       sync.Mutex
	policies map[string]EscalationPolicy
}

func newMemoryPolicyRepo() *memoryPolicyRepo {
	return &memoryPolicyRepo{policies: make(map[string]EscalationPolicy)}
}

func (r *memoryPolicyRepo) ListPolicies(context.Context) ([]EscalationPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EscalationPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out, nil
}

func (r *memoryPolicyRepo) SavePolicy(_ context.Context, policy *EscalationPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.ID] = *policy
	return nil
}

func (r *memoryPolicyRepo) DeletePolicy(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, id)
	return nil
}

func TestEscalatorPersistsPolicies(t *testing.T) {
	t.Parallel()
	repo := newMemoryPolicyRepo()

	esc, _, _ := newTestEscalator(t, EscalatorOptions{})
	esc.SetRepository(repo)

	added, err := esc.AddPolicy(twoLevelPolicy())
	require.NoError(t, err)

	other, err := esc.AddPolicy(&EscalationPolicy{
		Name:   "low",
		Levels: []EscalationLevel{{Level: 1, After: conf.Duration(time.Hour)}},
	})
	require.NoError(t, err)
	require.NoError(t, esc.DeletePolicy(other.ID))

	added.Name = "ops-eu"
	_, err = esc.UpdatePolicy(added.ID, added)
	require.NoError(t, err)

	// A fresh escalator sees the surviving policy after LoadPolicies.
	fresh, _, _ := newTestEscalator(t, EscalatorOptions{})
	fresh.SetRepository(repo)
	require.NoError(t, fresh.LoadPolicies(t.Context()))

	all := fresh.Policies()
	require.Len(t, all, 1)
	assert.Equal(t, added.ID, all[0].ID)
	assert.Equal(t, "ops-eu", all[0].Name)
	assert.Len(t, all[0].Levels, 2)
}
