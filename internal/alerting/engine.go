package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/logger"
)

// Engine evaluates enabled rules against a metric source and raises alerts
// through the store. Cooldown state is kept in memory only; a restart
// resets it, which at worst re-fires a rule one tick early.
type Engine struct {
	rules   RuleRepository
	source  MetricSource
	store   *Store
	log     logger.Logger
	clock   func() time.Time

	mu            sync.Mutex
	lastTriggered map[uint]time.Time
	triggerCounts map[uint]int64
}

// NewEngine creates a rule engine. clock may be nil, in which case
// time.Now is used.
func NewEngine(rules RuleRepository, source MetricSource, store *Store, log logger.Logger) *Engine {
	return &Engine{
		rules:         rules,
		source:        source,
		store:         store,
		log:           log.With(logger.String("component", "engine")),
		clock:         time.Now,
		lastTriggered: make(map[uint]time.Time),
		triggerCounts: make(map[uint]int64),
	}
}

// SetClock overrides the engine clock. Test use only.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Evaluate checks one rule's condition against the current metric window.
// It does not create alerts and ignores cooldown; Tick owns those.
func (e *Engine) Evaluate(rule *AlertRule, now time.Time) (fired bool, value float64, err error) {
	// A zero window means the rule looks at the metric's entire history.
	var since time.Time
	if window := rule.Condition.Duration.Std(); window > 0 {
		since = now.Add(-window)
	}
	points := e.source.Samples(rule.Condition.Metric, since)
	value, ok := Aggregate(points, rule.Condition.Aggregation)
	if !ok {
		return false, 0, nil
	}
	fired, err = Compare(value, rule.Condition.Operator, rule.Condition.Threshold)
	if err != nil {
		return false, 0, fmt.Errorf("rule %d (%s): %w", rule.ID, rule.Name, err)
	}
	return fired, value, nil
}

// Tick evaluates every enabled rule once, creating an alert for each rule
// whose condition holds and whose cooldown has elapsed.
func (e *Engine) Tick(ctx context.Context) error {
	rules, err := e.rules.GetEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("loading enabled rules: %w", err)
	}
	now := e.clock()
	var firstErr error
	for i := range rules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rule := &rules[i]
		fired, value, err := e.Evaluate(rule, now)
		if err != nil {
			e.log.Error("rule evaluation failed",
				logger.Uint64("rule_id", uint64(rule.ID)),
				logger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !fired {
			continue
		}
		if e.inCooldown(rule, now) {
			continue
		}
		e.fire(ctx, rule, value, now)
	}
	return firstErr
}

func (e *Engine) inCooldown(rule *AlertRule, now time.Time) bool {
	cooldown := rule.Cooldown.Std()
	if cooldown <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastTriggered[rule.ID]
	return ok && now.Sub(last) < cooldown
}

func (e *Engine) fire(ctx context.Context, rule *AlertRule, value float64, now time.Time) {
	alert := &Alert{
		RuleID:             rule.ID,
		Name:               rule.Name,
		Description:        rule.Description,
		Severity:           rule.Severity,
		Metric:             rule.Condition.Metric,
		Value:              value,
		Threshold:          rule.Condition.Threshold,
		Channels:           append([]string(nil), rule.Channels...),
		EscalationPolicyID: rule.EscalationPolicyID,
		Timestamp:          now,
	}
	if _, err := e.store.Create(alert); err != nil {
		e.log.Error("alert creation failed",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.Error(err))
		return
	}

	e.mu.Lock()
	e.lastTriggered[rule.ID] = now
	e.triggerCounts[rule.ID]++
	e.mu.Unlock()

	e.log.Info("rule fired",
		logger.Uint64("rule_id", uint64(rule.ID)),
		logger.String("rule", rule.Name),
		logger.String("severity", rule.Severity),
		logger.Float64("value", value),
		logger.Float64("threshold", rule.Condition.Threshold))

	record := &FiredRecord{
		RuleID:    rule.ID,
		AlertID:   alert.ID,
		Metric:    rule.Condition.Metric,
		Value:     value,
		Threshold: rule.Condition.Threshold,
		FiredAt:   now,
	}
	if err := e.rules.SaveFired(ctx, record); err != nil {
		e.log.Warn("fired history not persisted",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.Error(err))
	}
}

// RuleStats is the runtime view of a rule's firing activity.
type RuleStats struct {
	RuleID        uint       `json:"rule_id"`
	TriggerCount  int64      `json:"trigger_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// Stats returns in-memory firing statistics for a rule.
func (e *Engine) Stats(ruleID uint) RuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := RuleStats{RuleID: ruleID, TriggerCount: e.triggerCounts[ruleID]}
	if last, ok := e.lastTriggered[ruleID]; ok {
		t := last
		stats.LastTriggered = &t
	}
	return stats
}

// Annotate copies runtime stats onto rules loaded from the repository.
func (e *Engine) Annotate(rules []AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range rules {
		rules[i].TriggerCount = int(e.triggerCounts[rules[i].ID])
		if last, ok := e.lastTriggered[rules[i].ID]; ok {
			t := last
			rules[i].LastTriggered = &t
		}
	}
}

// TestFire fires a rule immediately, bypassing condition evaluation and
// the cooldown check. The firing still counts toward the rule's cooldown
// so a test fire briefly masks real fires of the same rule.
func (e *Engine) TestFire(ctx context.Context, rule *AlertRule) {
	e.fire(ctx, rule, rule.Condition.Threshold, e.clock())
}

// ResetCooldown clears cooldown state for a rule, letting it fire on the
// next tick its condition holds. Called when a rule is updated.
func (e *Engine) ResetCooldown(ruleID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastTriggered, ruleID)
}
