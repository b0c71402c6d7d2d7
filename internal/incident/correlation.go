package incident

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/conf"
	"github.com/opsgate/opsgate/internal/logger"
)

// Correlation actions.
const (
	CorrelationCreateParent = "create_parent"
	CorrelationMerge        = "merge"
	CorrelationRelate       = "relate"
)

// Volume thresholds: the burst sizes per severity that open an incident.
const (
	volumeCriticalThreshold = 1
	volumeErrorThreshold    = 3
	volumeWarningThreshold  = 5
)

// ErrCorrelationRuleNotFound is returned when a correlation rule id does
// not exist.
var ErrCorrelationRuleNotFound = errors.New("correlation rule not found")

// CorrelationCondition matches alerts on the fields that are set; all
// set fields must match.
type CorrelationCondition struct {
	Severity     string `json:"severity,omitempty"`
	Metric       string `json:"metric,omitempty"`
	NameContains string `json:"name_contains,omitempty"`
}

func (c *CorrelationCondition) matches(alert *alerting.Alert) bool {
	if c.Severity == "" && c.Metric == "" && c.NameContains == "" {
		return false
	}
	if c.Severity != "" && alert.Severity != c.Severity {
		return false
	}
	if c.Metric != "" && alert.Metric != c.Metric {
		return false
	}
	if c.NameContains != "" && !strings.Contains(strings.ToLower(alert.Name), strings.ToLower(c.NameContains)) {
		return false
	}
	return true
}

// CorrelationRule groups related alerts into one incident. An alert
// matches when it satisfies any one condition.
type CorrelationRule struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Conditions []CorrelationCondition `json:"conditions"`
	Action     string                 `json:"action"`
	Window     conf.Duration          `json:"window"`
}

func (r *CorrelationRule) matches(alert *alerting.Alert) bool {
	for i := range r.Conditions {
		if r.Conditions[i].matches(alert) {
			return true
		}
	}
	return false
}

// Correlator groups alert bursts into incidents: a volume mechanism keyed
// by severity and a rule mechanism with per-rule actions. Both compute
// their changes from a snapshot of recent alerts, then apply them through
// the incident manager.
type Correlator struct {
	log     logger.Logger
	clock   func() time.Time
	alerts  AlertQuery
	manager *Manager
	window  time.Duration

	mu    sync.Mutex
	rules map[string]*CorrelationRule
}

// NewCorrelator creates a correlator. window defaults to 5 minutes.
func NewCorrelator(log logger.Logger, alerts AlertQuery, manager *Manager, window time.Duration) *Correlator {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Correlator{
		log:     log.With(logger.String("component", "correlator")),
		clock:   time.Now,
		alerts:  alerts,
		manager: manager,
		window:  window,
		rules:   make(map[string]*CorrelationRule),
	}
}

// SetClock overrides the correlator clock. Test use only.
func (c *Correlator) SetClock(clock func() time.Time) { c.clock = clock }

// AddRule registers a correlation rule.
func (c *Correlator) AddRule(rule *CorrelationRule) (*CorrelationRule, error) {
	switch rule.Action {
	case CorrelationCreateParent, CorrelationMerge, CorrelationRelate:
	default:
		return nil, fmt.Errorf("unknown correlation action %q", rule.Action)
	}
	if len(rule.Conditions) == 0 {
		return nil, errors.New("correlation rule needs at least one condition")
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	c.mu.Lock()
	c.rules[rule.ID] = rule
	c.mu.Unlock()
	copy := *rule
	return &copy, nil
}

// RemoveRule deletes a correlation rule.
func (c *Correlator) RemoveRule(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrCorrelationRuleNotFound, id)
	}
	delete(c.rules, id)
	return nil
}

// Rules returns all correlation rules sorted by name.
func (c *Correlator) Rules() []*CorrelationRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CorrelationRule, 0, len(c.rules))
	for _, r := range c.rules {
		copy := *r
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick runs both correlation mechanisms over alerts created inside the
// window.
func (c *Correlator) Tick() {
	now := c.clock()
	recent := c.alerts.AlertsSince(now.Add(-c.window))
	if len(recent) == 0 {
		return
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].Timestamp.Before(recent[j].Timestamp)
	})

	c.correlateByVolume(recent)
	c.correlateByRules(recent, now)
}

// correlateByVolume opens or extends one incident when the burst of
// active alerts crosses a severity threshold. Critical dominates, then
// error, then warning.
func (c *Correlator) correlateByVolume(recent []*alerting.Alert) {
	bySeverity := make(map[string][]*alerting.Alert)
	for _, a := range recent {
		if a.Status == alerting.AlertStatusActive {
			bySeverity[a.Severity] = append(bySeverity[a.Severity], a)
		}
	}

	var group []*alerting.Alert
	var severity string
	switch {
	case len(bySeverity[alerting.SeverityCritical]) >= volumeCriticalThreshold:
		group, severity = bySeverity[alerting.SeverityCritical], alerting.SeverityCritical
	case len(bySeverity[alerting.SeverityError]) >= volumeErrorThreshold:
		group, severity = bySeverity[alerting.SeverityError], alerting.SeverityError
	case len(bySeverity[alerting.SeverityWarning]) >= volumeWarningThreshold:
		group, severity = bySeverity[alerting.SeverityWarning], alerting.SeverityWarning
	default:
		return
	}

	ids := alertIDs(group)
	existing := c.manager.OpenIncidentsReferencing(ids)
	if len(existing) > 0 {
		added, err := c.manager.AppendAlerts(existing[0].ID, ids)
		if err != nil {
			c.log.Warn("extending incident failed",
				logger.String("incident_id", existing[0].ID),
				logger.Error(err))
			return
		}
		if added > 0 {
			c.log.Info("incident extended by volume correlation",
				logger.String("incident_id", existing[0].ID),
				logger.Int("alerts_added", added))
		}
		return
	}

	inc := c.manager.Create(&Incident{
		Title: fmt.Sprintf("Multiple %s alerts (%d in %s)",
			severity, len(group), c.window),
		Description: "Alert burst detected by volume correlation: " + alertNames(group),
		Severity:    severity,
		CreatedBy:   "correlator",
		AlertIDs:    ids,
	})
	c.log.Info("incident opened by volume correlation",
		logger.String("incident_id", inc.ID),
		logger.String("severity", severity),
		logger.Int("alerts", len(group)))
}

// correlateByRules applies each rule whose conditions match at least two
// recent alerts.
func (c *Correlator) correlateByRules(recent []*alerting.Alert, now time.Time) {
	c.mu.Lock()
	rules := make([]*CorrelationRule, 0, len(c.rules))
	for _, r := range c.rules {
		rules = append(rules, r)
	}
	c.mu.Unlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	for _, rule := range rules {
		pool := recent
		if w := rule.Window.Std(); w > 0 {
			pool = nil
			for _, a := range recent {
				if !a.Timestamp.Before(now.Add(-w)) {
					pool = append(pool, a)
				}
			}
		}
		var matched []*alerting.Alert
		for _, a := range pool {
			if rule.matches(a) {
				matched = append(matched, a)
			}
		}
		if len(matched) < 2 {
			continue
		}
		c.apply(rule, matched)
	}
}

func (c *Correlator) apply(rule *CorrelationRule, matched []*alerting.Alert) {
	ids := alertIDs(matched)
	switch rule.Action {
	case CorrelationCreateParent:
		// Matches already referenced by an open incident were grouped on
		// an earlier tick; creating another parent would duplicate them.
		if len(c.manager.OpenIncidentsReferencing(ids)) > 0 {
			return
		}
		inc := c.manager.Create(&Incident{
			Title:       "Correlated alerts: " + rule.Name,
			Description: "Grouped by correlation rule: " + alertNames(matched),
			Severity:    highestSeverity(matched),
			CreatedBy:   "correlator",
			AlertIDs:    ids,
		})
		for _, a := range matched {
			if _, err := c.alerts.Resolve(a.ID); err != nil {
				c.log.Warn("resolving correlated alert failed",
					logger.String("alert_id", a.ID),
					logger.Error(err))
			}
		}
		c.log.Info("parent incident created",
			logger.String("incident_id", inc.ID),
			logger.String("rule", rule.Name),
			logger.Int("alerts", len(matched)))

	case CorrelationMerge:
		incidents := c.manager.OpenIncidentsReferencing(ids)
		if len(incidents) < 2 {
			return
		}
		primary := incidents[0]
		otherIDs := make([]string, 0, len(incidents)-1)
		for _, inc := range incidents[1:] {
			otherIDs = append(otherIDs, inc.ID)
		}
		if err := c.manager.Merge(primary.ID, otherIDs); err != nil {
			c.log.Warn("merge failed",
				logger.String("incident_id", primary.ID),
				logger.Error(err))
			return
		}
		c.log.Info("incidents merged",
			logger.String("primary_id", primary.ID),
			logger.Int("absorbed", len(otherIDs)))

	case CorrelationRelate:
		for _, inc := range c.manager.OpenIncidentsReferencing(ids) {
			if err := c.manager.Relate(inc.ID, ids); err != nil {
				c.log.Warn("relating alerts failed",
					logger.String("incident_id", inc.ID),
					logger.Error(err))
			}
		}
	}
}

func alertIDs(alerts []*alerting.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}

func alertNames(alerts []*alerting.Alert) string {
	names := make([]string, 0, len(alerts))
	seen := make(map[string]struct{})
	for _, a := range alerts {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		seen[a.Name] = struct{}{}
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

var severityOrder = map[string]int{
	alerting.SeverityInfo:     0,
	alerting.SeverityWarning:  1,
	alerting.SeverityError:    2,
	alerting.SeverityCritical: 3,
}

func highestSeverity(alerts []*alerting.Alert) string {
	best := alerting.SeverityInfo
	for _, a := range alerts {
		if severityOrder[a.Severity] > severityOrder[best] {
			best = a.Severity
		}
	}
	return best
}
