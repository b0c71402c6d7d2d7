// Package incident tracks units of response work: incidents correlated
// from alert bursts, their lifecycle, auto-actions, post-mortems and
// analytics.
package incident

import (
	"errors"
	"time"

	"github.com/opsgate/opsgate/internal/alerting"
)

// Incident statuses, ordered. A status never regresses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

var statusRank = map[string]int{
	StatusOpen:       0,
	StatusInProgress: 1,
	StatusResolved:   2,
	StatusClosed:     3,
}

// Action types.
const (
	ActionInvestigation = "investigation"
	ActionMitigation    = "mitigation"
	ActionResolution    = "resolution"
	ActionCommunication = "communication"
)

// Action statuses, strictly forward: pending -> in_progress -> completed.
const (
	ActionPending    = "pending"
	ActionInProgress = "in_progress"
	ActionCompleted  = "completed"
)

// SystemAssignee marks actions that execute automatically.
const SystemAssignee = "system"

// ErrIncidentNotFound is returned when an incident id does not exist.
var ErrIncidentNotFound = errors.New("incident not found")

// ErrActionNotFound is returned when an action id does not exist on the
// incident.
var ErrActionNotFound = errors.New("incident action not found")

// Impact describes who and what an incident affects.
type Impact struct {
	Scope          string `json:"scope"`
	AffectedUsers  int    `json:"affected_users"`
	BusinessImpact string `json:"business_impact"`
	SLABreach      bool   `json:"sla_breach"`
}

// TimelineEntry is one immutable, append-only incident timeline record.
type TimelineEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	User      string         `json:"user,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Action is one tracked response step on an incident.
type Action struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Assignee    string     `json:"assignee"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// Incident is a tracked unit of response work representing one or more
// correlated alerts. Alert ids are weak references into the alert store.
type Incident struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	Category    string `json:"category,omitempty"`
	Impact      Impact `json:"impact"`

	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Assignee   string     `json:"assignee,omitempty"`

	AlertIDs []string        `json:"alert_ids"`
	Timeline []TimelineEntry `json:"timeline"`
	Actions  []Action        `json:"actions"`

	RootCause  string      `json:"root_cause,omitempty"`
	Resolution string      `json:"resolution,omitempty"`
	PostMortem *PostMortem `json:"post_mortem,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (i *Incident) Clone() *Incident {
	c := *i
	c.AlertIDs = append([]string(nil), i.AlertIDs...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	c.Actions = append([]Action(nil), i.Actions...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	if i.PostMortem != nil {
		pm := *i.PostMortem
		pm.LessonsLearned = append([]string(nil), i.PostMortem.LessonsLearned...)
		pm.ActionItems = append([]ActionItem(nil), i.PostMortem.ActionItems...)
		c.PostMortem = &pm
	}
	return &c
}

// Open reports whether the incident still accepts correlation updates.
func (i *Incident) Open() bool {
	return i.Status == StatusOpen || i.Status == StatusInProgress
}

// References reports whether the incident already carries the alert id.
func (i *Incident) References(alertID string) bool {
	for _, id := range i.AlertIDs {
		if id == alertID {
			return true
		}
	}
	return false
}

func (i *Incident) action(actionID string) *Action {
	for idx := range i.Actions {
		if i.Actions[idx].ID == actionID {
			return &i.Actions[idx]
		}
	}
	return nil
}

// AlertQuery is the incident subsystem's view of the alert store. The
// alerting store satisfies it; tests use fakes.
type AlertQuery interface {
	AlertsSince(since time.Time) []*alerting.Alert
	ActiveAlerts() []*alerting.Alert
	Resolve(id string) (*alerting.Alert, error)
}

// Notifier sends incident communications. The notification dispatcher
// satisfies it.
type Notifier interface {
	NotifyIncident(incidentID, severity, subject, body string, channels []string)
}
