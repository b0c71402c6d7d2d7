package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/conf"
	"github.com/opsgate/opsgate/internal/logger"
)

// ErrPolicyNotFound is returned when an escalation policy id does not exist.
var ErrPolicyNotFound = errors.New("escalation policy not found")

// EscalationLevel is one step of an escalation policy. After is measured
// from the alert's creation time, not from the previous level.
type EscalationLevel struct {
	Level    int           `json:"level"`
	After    conf.Duration `json:"after"`
	Channels []string      `json:"channels"`
	Notify   []string      `json:"notify,omitempty"` // users or teams to page
}

// EscalationPolicy describes how an unacknowledged alert is escalated
// over time.
type EscalationPolicy struct {
	ID     string            `gorm:"primaryKey;size:100" json:"id"`
	Name   string            `gorm:"size:255;not null" json:"name"`
	Levels []EscalationLevel `gorm:"serializer:json" json:"levels"`

	// MaxEscalations caps how many times a single alert escalates.
	// Zero means unlimited.
	MaxEscalations int `gorm:"default:0" json:"max_escalations,omitempty"`

	// RepeatInterval is the minimum time between escalations of the
	// same alert. Zero means every tick.
	RepeatInterval conf.Duration `gorm:"default:0" json:"repeat_interval,omitempty"`
}

// TableName returns the table name for GORM.
func (EscalationPolicy) TableName() string {
	return "escalation_policies"
}

// PolicyRepository persists escalation policies across restarts.
type PolicyRepository interface {
	ListPolicies(ctx context.Context) ([]EscalationPolicy, error)
	SavePolicy(ctx context.Context, policy *EscalationPolicy) error
	DeletePolicy(ctx context.Context, id string) error
}

// levelFor returns the highest level whose After has elapsed, or nil.
func (p *EscalationPolicy) levelFor(elapsed time.Duration) *EscalationLevel {
	var best *EscalationLevel
	for i := range p.Levels {
		lvl := &p.Levels[i]
		if elapsed >= lvl.After.Std() {
			if best == nil || lvl.Level > best.Level {
				best = lvl
			}
		}
	}
	return best
}

// EscalationNotifier delivers escalation pages. The notification
// dispatcher implements it.
type EscalationNotifier interface {
	NotifyEscalation(alert *Alert, policy *EscalationPolicy, level EscalationLevel)
}

type escalationState struct {
	lastLevel int
	count     int
	lastFired time.Time
}

// EscalatorOptions configures an Escalator.
type EscalatorOptions struct {
	// DefaultAge applies to alerts without an escalation policy: after
	// this long unacknowledged they escalate on the built-in policy.
	DefaultAge time.Duration

	// Repeat re-fires the current level on every eligible tick instead
	// of only when the level increases.
	Repeat bool

	Notifier EscalationNotifier
	Bus      *Bus
}

// Escalator periodically re-examines active alerts and pages according
// to their escalation policies.
type Escalator struct {
	store    *Store
	log      logger.Logger
	clock    func() time.Time
	opts     EscalatorOptions
	fallback EscalationPolicy

	// repo, when set, persists policy mutations. Loading is explicit
	// via LoadPolicies.
	repo PolicyRepository

	mu       sync.Mutex
	policies map[string]*EscalationPolicy
	state    map[string]*escalationState // by alert id
}

// NewEscalator creates an escalator over the given alert store.
func NewEscalator(store *Store, log logger.Logger, opts EscalatorOptions) *Escalator {
	if opts.DefaultAge <= 0 {
		opts.DefaultAge = 5 * time.Minute
	}
	return &Escalator{
		store: store,
		log:   log.With(logger.String("component", "escalator")),
		clock: time.Now,
		opts:  opts,
		fallback: EscalationPolicy{
			ID:   "default",
			Name: "Default",
			Levels: []EscalationLevel{
				{Level: 1, After: conf.Duration(opts.DefaultAge)},
			},
		},
		policies: make(map[string]*EscalationPolicy),
		state:    make(map[string]*escalationState),
	}
}

// SetClock overrides the escalator clock. Test use only.
func (e *Escalator) SetClock(clock func() time.Time) { e.clock = clock }

// SetRepository enables durable policy storage. Call LoadPolicies after
// to pick up persisted policies.
func (e *Escalator) SetRepository(repo PolicyRepository) { e.repo = repo }

// LoadPolicies replaces the in-memory policy set with the persisted one.
func (e *Escalator) LoadPolicies(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	policies, err := e.repo.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("loading escalation policies: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = make(map[string]*EscalationPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		e.policies[p.ID] = &p
	}
	return nil
}

func (e *Escalator) persist(policy *EscalationPolicy) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SavePolicy(context.Background(), policy); err != nil {
		e.log.Warn("escalation policy not persisted",
			logger.String("policy_id", policy.ID),
			logger.Error(err))
	}
}

// AddPolicy registers an escalation policy. Levels are sorted ascending.
func (e *Escalator) AddPolicy(policy *EscalationPolicy) (*EscalationPolicy, error) {
	if len(policy.Levels) == 0 {
		return nil, fmt.Errorf("escalation policy needs at least one level")
	}
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	sort.Slice(policy.Levels, func(i, j int) bool {
		return policy.Levels[i].Level < policy.Levels[j].Level
	})
	e.mu.Lock()
	e.policies[policy.ID] = policy
	e.mu.Unlock()
	e.persist(policy)
	copy := *policy
	return &copy, nil
}

// UpdatePolicy replaces an existing policy in place.
func (e *Escalator) UpdatePolicy(id string, policy *EscalationPolicy) (*EscalationPolicy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	policy.ID = id
	sort.Slice(policy.Levels, func(i, j int) bool {
		return policy.Levels[i].Level < policy.Levels[j].Level
	})
	e.policies[id] = policy
	e.persist(policy)
	copy := *policy
	return &copy, nil
}

// DeletePolicy removes a policy. Alerts referencing it fall back to the
// built-in default on their next tick.
func (e *Escalator) DeletePolicy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	delete(e.policies, id)
	if e.repo != nil {
		if err := e.repo.DeletePolicy(context.Background(), id); err != nil {
			e.log.Warn("escalation policy not removed from storage",
				logger.String("policy_id", id),
				logger.Error(err))
		}
	}
	return nil
}

// GetPolicy returns a copy of the policy with the given id.
func (e *Escalator) GetPolicy(id string) (*EscalationPolicy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	policy, ok := e.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	copy := *policy
	return &copy, nil
}

// Policies returns all registered policies sorted by name.
func (e *Escalator) Policies() []*EscalationPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*EscalationPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		copy := *p
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick pages for every active, unacknowledged alert whose policy says an
// escalation level is due. Acknowledging or resolving an alert stops its
// escalations.
func (e *Escalator) Tick() {
	now := e.clock()
	alerts := e.store.ActiveAlerts()

	live := make(map[string]struct{}, len(alerts))
	for _, alert := range alerts {
		live[alert.ID] = struct{}{}
		e.consider(alert, now)
	}

	// Drop escalation state for alerts that are gone or no longer active.
	e.mu.Lock()
	for id := range e.state {
		if _, ok := live[id]; !ok {
			delete(e.state, id)
		}
	}
	e.mu.Unlock()
}

func (e *Escalator) consider(alert *Alert, now time.Time) {
	// Alerts younger than the age threshold never escalate, even when
	// their policy has an earlier level.
	if now.Sub(alert.Timestamp) < e.opts.DefaultAge {
		return
	}
	policy := e.policyForAlert(alert)
	level := policy.levelFor(now.Sub(alert.Timestamp))
	if level == nil {
		return
	}

	e.mu.Lock()
	st, ok := e.state[alert.ID]
	if !ok {
		st = &escalationState{}
		e.state[alert.ID] = st
	}
	if policy.MaxEscalations > 0 && st.count >= policy.MaxEscalations {
		e.mu.Unlock()
		return
	}
	if repeat := policy.RepeatInterval.Std(); repeat > 0 && !st.lastFired.IsZero() && now.Sub(st.lastFired) < repeat {
		e.mu.Unlock()
		return
	}
	if !e.opts.Repeat && level.Level <= st.lastLevel {
		e.mu.Unlock()
		return
	}
	st.lastLevel = level.Level
	st.count++
	st.lastFired = now
	e.mu.Unlock()

	e.log.Info("alert escalated",
		logger.String("alert_id", alert.ID),
		logger.String("policy", policy.Name),
		logger.Int("level", level.Level))

	if e.opts.Notifier != nil {
		e.opts.Notifier.NotifyEscalation(alert, policy, *level)
	}
	if e.opts.Bus != nil {
		e.opts.Bus.Publish(EventEscalationTriggered, "alerting", alert.ID, map[string]any{
			"policy": policy.ID,
			"level":  level.Level,
		})
	}
}

func (e *Escalator) policyForAlert(alert *Alert) *EscalationPolicy {
	if alert.EscalationPolicyID != "" {
		e.mu.Lock()
		policy, ok := e.policies[alert.EscalationPolicyID]
		e.mu.Unlock()
		if ok {
			return policy
		}
	}
	return &e.fallback
}
