package incident

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/logger"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	AutoAssign      bool
	DefaultAssignee string

	// PostMortems controls whether resolution generates a post-mortem.
	PostMortems bool

	// ActionDelay is how long a system auto-action "runs" before its
	// stub result is produced. Default 5s.
	ActionDelay time.Duration

	// CommunicationChannels receive incident communications
	// (creation, escalation, resolution, communication actions).
	CommunicationChannels []string
}

// Manager owns the incident collection and its lifecycle. All state is
// in-memory; incidents do not survive a restart.
type Manager struct {
	log      logger.Logger
	clock    func() time.Time
	opts     ManagerOptions
	alerts   AlertQuery
	notifier Notifier
	bus      *alerting.Bus

	mu        sync.Mutex
	incidents map[string]*Incident
	timers    map[string]*time.Timer // pending auto-action completions, keyed by incident|action
}

// NewManager creates an incident manager. alerts, notifier and bus may
// be nil in tests.
func NewManager(log logger.Logger, alerts AlertQuery, notifier Notifier, bus *alerting.Bus, opts ManagerOptions) *Manager {
	if opts.ActionDelay <= 0 {
		opts.ActionDelay = 5 * time.Second
	}
	return &Manager{
		log:       log.With(logger.String("component", "incident_manager")),
		clock:     time.Now,
		opts:      opts,
		alerts:    alerts,
		notifier:  notifier,
		bus:       bus,
		incidents: make(map[string]*Incident),
		timers:    make(map[string]*time.Timer),
	}
}

// SetClock overrides the manager clock. Test use only.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// Create registers a new incident. A template matching the title
// overwrites category, impact and severity and contributes auto-actions;
// system-assigned actions start executing immediately.
func (m *Manager) Create(inc *Incident) *Incident {
	now := m.clock()
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	inc.Status = StatusOpen
	inc.CreatedAt = now
	inc.UpdatedAt = now
	if inc.Severity == "" {
		inc.Severity = alerting.SeverityWarning
	}

	var autoActions []Action
	if tmpl := MatchTemplate(inc.Title); tmpl != nil {
		autoActions = tmpl.apply(inc)
	}

	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Type:      "created",
		Message:   "Incident created: " + inc.Title,
		User:      inc.CreatedBy,
	})

	if m.opts.AutoAssign && inc.Assignee == "" && m.opts.DefaultAssignee != "" {
		inc.Assignee = m.opts.DefaultAssignee
		inc.Timeline = append(inc.Timeline, TimelineEntry{
			Timestamp: now,
			Type:      "assigned",
			Message:   "Auto-assigned to " + inc.Assignee,
		})
	}

	m.mu.Lock()
	m.incidents[inc.ID] = inc
	m.mu.Unlock()

	// AddAction auto-executes system-assigned template actions.
	for i := range autoActions {
		if _, err := m.AddAction(inc.ID, autoActions[i]); err != nil {
			m.log.Warn("template action not added",
				logger.String("incident_id", inc.ID),
				logger.Error(err))
		}
	}

	m.publish(alerting.EventIncidentCreated, inc.ID, map[string]any{
		"title":    inc.Title,
		"severity": inc.Severity,
		"category": inc.Category,
	})
	m.notify(inc, "Incident declared: "+inc.Title, inc.Description)

	m.log.Info("incident created",
		logger.String("incident_id", inc.ID),
		logger.String("title", inc.Title),
		logger.String("severity", inc.Severity))
	return m.snapshot(inc.ID)
}

// Get returns a copy of the incident with the given id.
func (m *Manager) Get(id string) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	return inc.Clone(), nil
}

// List returns incidents, optionally filtered by status, newest first.
func (m *Manager) List(status string) []*Incident {
	m.mu.Lock()
	out := make([]*Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, inc.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update applies field updates plus a timeline entry. The status field,
// when set, must not regress.
type Update struct {
	Description *string
	Severity    *string
	Status      *string
	RootCause   *string
	Impact      *Impact
	Message     string
	User        string
}

// Update mutates an incident per the update struct.
func (m *Manager) Update(id string, u Update) (*Incident, error) {
	now := m.clock()
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if u.Status != nil {
		if _, valid := statusRank[*u.Status]; !valid {
			m.mu.Unlock()
			return nil, fmt.Errorf("invalid incident status %q", *u.Status)
		}
		if statusRank[*u.Status] < statusRank[inc.Status] {
			m.mu.Unlock()
			return nil, fmt.Errorf("incident status cannot regress from %s to %s", inc.Status, *u.Status)
		}
		inc.Status = *u.Status
	}
	if u.Description != nil {
		inc.Description = *u.Description
	}
	if u.Severity != nil {
		inc.Severity = *u.Severity
	}
	if u.RootCause != nil {
		inc.RootCause = *u.RootCause
	}
	if u.Impact != nil {
		inc.Impact = *u.Impact
	}
	msg := u.Message
	if msg == "" {
		msg = "Incident updated"
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{Timestamp: now, Type: "updated", Message: msg, User: u.User})
	inc.UpdatedAt = now
	clone := inc.Clone()
	m.mu.Unlock()

	m.publish(alerting.EventIncidentUpdated, id, nil)
	return clone, nil
}

// Assign hands the incident to a responder.
func (m *Manager) Assign(id, assignee, by string) (*Incident, error) {
	now := m.clock()
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	inc.Assignee = assignee
	if inc.Status == StatusOpen {
		inc.Status = StatusInProgress
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Type:      "assigned",
		Message:   "Assigned to " + assignee,
		User:      by,
	})
	inc.UpdatedAt = now
	clone := inc.Clone()
	m.mu.Unlock()

	m.publish(alerting.EventIncidentAssigned, id, map[string]any{"assignee": assignee})
	return clone, nil
}

// Escalate raises the incident's response level and dispatches a
// communication notification.
func (m *Manager) Escalate(id string, level int, reason, by string) (*Incident, error) {
	now := m.clock()
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Type:      "escalated",
		Message:   fmt.Sprintf("Escalated to level %d: %s", level, reason),
		User:      by,
		Details:   map[string]any{"level": level},
	})
	inc.UpdatedAt = now
	clone := inc.Clone()
	m.mu.Unlock()

	m.publish(alerting.EventIncidentEscalated, id, map[string]any{"level": level})
	m.notify(clone, fmt.Sprintf("Incident escalated to level %d: %s", level, clone.Title), reason)
	return clone, nil
}

// Resolve transitions the incident to resolved, stamps resolvedAt and,
// when enabled, attaches a post-mortem.
func (m *Manager) Resolve(id, resolution, by string) (*Incident, error) {
	now := m.clock()
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if statusRank[inc.Status] >= statusRank[StatusResolved] {
		m.mu.Unlock()
		return nil, fmt.Errorf("incident %s is already %s", id, inc.Status)
	}
	inc.Status = StatusResolved
	inc.Resolution = resolution
	inc.ResolvedAt = &now
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Type:      "resolved",
		Message:   "Incident resolved: " + resolution,
		User:      by,
	})
	inc.UpdatedAt = now
	if m.opts.PostMortems {
		inc.PostMortem = GeneratePostMortem(inc, now, by)
	}
	clone := inc.Clone()
	m.mu.Unlock()

	m.publish(alerting.EventIncidentResolved, id, nil)
	if clone.PostMortem != nil {
		m.publish(alerting.EventPostMortemCreated, id, nil)
	}
	m.notify(clone, "Incident resolved: "+clone.Title, resolution)
	return clone, nil
}

// Close transitions the incident to closed and cancels any pending
// auto-action completions. Closing without resolving first is allowed;
// the timeline records the skipped resolution.
func (m *Manager) Close(id, by string) (*Incident, error) {
	now := m.clock()
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if inc.Status == StatusClosed {
		clone := inc.Clone()
		m.mu.Unlock()
		return clone, nil
	}
	entry := TimelineEntry{Timestamp: now, Type: "closed", Message: "Incident closed", User: by}
	if inc.ResolvedAt == nil {
		entry.Message = "Incident closed without resolution"
	}
	inc.Status = StatusClosed
	inc.ClosedAt = &now
	inc.Timeline = append(inc.Timeline, entry)
	inc.UpdatedAt = now

	// Cancel outstanding auto-action timers for this incident.
	prefix := id + "|"
	for key, timer := range m.timers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			timer.Stop()
			delete(m.timers, key)
		}
	}
	clone := inc.Clone()
	m.mu.Unlock()

	m.publish(alerting.EventIncidentClosed, id, nil)
	return clone, nil
}

// AddAction appends an action. System-assigned actions start executing
// immediately.
func (m *Manager) AddAction(incidentID string, action Action) (*Action, error) {
	now := m.clock()
	m.mu.Lock()
	inc, ok := m.incidents[incidentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	action.ID = uuid.New().String()
	action.Status = ActionPending
	action.CreatedAt = now
	action.CompletedAt = nil
	action.Result = ""
	inc.Actions = append(inc.Actions, action)
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Type:      "action_added",
		Message:   fmt.Sprintf("Action added (%s): %s", action.Type, action.Description),
	})
	inc.UpdatedAt = now
	m.mu.Unlock()

	m.publish(alerting.EventActionAdded, action.ID, map[string]any{"incident_id": incidentID, "type": action.Type})

	if action.Assignee == SystemAssignee {
		if err := m.ExecuteAction(incidentID, action.ID); err != nil {
			m.log.Warn("auto-execution failed",
				logger.String("incident_id", incidentID),
				logger.String("action_id", action.ID),
				logger.Error(err))
		}
	}
	copy := action
	return &copy, nil
}

// StartAction moves a pending action to in_progress.
func (m *Manager) StartAction(incidentID, actionID string) (*Action, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[incidentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	action := inc.action(actionID)
	if action == nil {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	if action.Status != ActionPending {
		return nil, fmt.Errorf("action %s cannot start from status %s", actionID, action.Status)
	}
	action.Status = ActionInProgress
	inc.UpdatedAt = now
	copy := *action
	return &copy, nil
}

// CompleteAction finalizes an in-progress action with a result. The
// pending -> in_progress -> completed order is enforced.
func (m *Manager) CompleteAction(incidentID, actionID, result string) (*Action, error) {
	now := m.clock()
	m.mu.Lock()
	inc, ok := m.incidents[incidentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	action := inc.action(actionID)
	if action == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	if action.Status != ActionInProgress {
		m.mu.Unlock()
		return nil, fmt.Errorf("action %s cannot complete from status %s", actionID, action.Status)
	}
	action.Status = ActionCompleted
	action.CompletedAt = &now
	action.Result = result
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Type:      "action_completed",
		Message:   fmt.Sprintf("Action completed (%s): %s", action.Type, result),
	})
	inc.UpdatedAt = now
	copy := *action
	m.mu.Unlock()

	m.publish(alerting.EventActionCompleted, actionID, map[string]any{"incident_id": incidentID})
	return &copy, nil
}

// ExecuteAction runs an action as the system: it moves to in_progress
// immediately and, after the configured delay, produces a type-specific
// result and completes. Closing the incident cancels the pending
// completion.
func (m *Manager) ExecuteAction(incidentID, actionID string) error {
	if _, err := m.StartAction(incidentID, actionID); err != nil {
		return err
	}

	key := incidentID + "|" + actionID
	m.mu.Lock()
	if old, ok := m.timers[key]; ok {
		old.Stop()
	}
	m.timers[key] = time.AfterFunc(m.opts.ActionDelay, func() {
		m.finishAutoAction(incidentID, actionID, key)
	})
	m.mu.Unlock()
	return nil
}

func (m *Manager) finishAutoAction(incidentID, actionID, key string) {
	m.mu.Lock()
	if _, ok := m.timers[key]; !ok {
		// Cancelled by Close between firing and acquiring the lock.
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	inc, ok := m.incidents[incidentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	action := inc.action(actionID)
	if action == nil || action.Status != ActionInProgress {
		m.mu.Unlock()
		return
	}
	result := autoActionResult(action)
	isCommunication := action.Type == ActionCommunication
	clone := inc.Clone()
	m.mu.Unlock()

	if _, err := m.CompleteAction(incidentID, actionID, result); err != nil {
		m.log.Warn("auto-action completion failed",
			logger.String("incident_id", incidentID),
			logger.String("action_id", actionID),
			logger.Error(err))
		return
	}
	if isCommunication {
		m.notify(clone, "Incident update: "+clone.Title, result)
	}
}

// autoActionResult produces the stub result text for a system action.
func autoActionResult(action *Action) string {
	switch action.Type {
	case ActionInvestigation:
		return "Investigation complete: " + action.Description + ". Findings recorded on the incident."
	case ActionMitigation:
		return "Mitigation applied: " + action.Description + ". Monitoring for recurrence."
	case ActionCommunication:
		return "Stakeholders notified: " + action.Description
	default:
		return "Action executed: " + action.Description
	}
}

// --- correlation support ---

// OpenIncidentsReferencing returns open incidents that reference any of
// the given alert ids, ordered oldest first.
func (m *Manager) OpenIncidentsReferencing(alertIDs []string) []*Incident {
	want := make(map[string]struct{}, len(alertIDs))
	for _, id := range alertIDs {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	var out []*Incident
	for _, inc := range m.incidents {
		if !inc.Open() {
			continue
		}
		for _, id := range inc.AlertIDs {
			if _, ok := want[id]; ok {
				out = append(out, inc.Clone())
				break
			}
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AppendAlerts adds not-yet-referenced alert ids to an incident.
func (m *Manager) AppendAlerts(incidentID string, alertIDs []string) (added int, err error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[incidentID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	for _, id := range alertIDs {
		if inc.References(id) {
			continue
		}
		inc.AlertIDs = append(inc.AlertIDs, id)
		added++
	}
	if added > 0 {
		inc.Timeline = append(inc.Timeline, TimelineEntry{
			Timestamp: now,
			Type:      "alerts_correlated",
			Message:   fmt.Sprintf("%d related alert(s) added", added),
		})
		inc.UpdatedAt = now
	}
	return added, nil
}

// Merge unions the other incidents' alerts and actions into the primary
// and closes them. Merging already-merged incidents is a no-op.
func (m *Manager) Merge(primaryID string, otherIDs []string) error {
	now := m.clock()
	m.mu.Lock()
	primary, ok := m.incidents[primaryID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, primaryID)
	}
	var merged []string
	for _, otherID := range otherIDs {
		if otherID == primaryID {
			continue
		}
		other, ok := m.incidents[otherID]
		if !ok || other.Status == StatusClosed {
			continue
		}
		for _, alertID := range other.AlertIDs {
			if !primary.References(alertID) {
				primary.AlertIDs = append(primary.AlertIDs, alertID)
			}
		}
		for _, action := range other.Actions {
			if primary.action(action.ID) == nil {
				primary.Actions = append(primary.Actions, action)
			}
		}
		other.Status = StatusClosed
		other.ClosedAt = &now
		other.Timeline = append(other.Timeline, TimelineEntry{
			Timestamp: now,
			Type:      "merged",
			Message:   "Merged into incident " + primaryID,
		})
		other.UpdatedAt = now
		merged = append(merged, otherID)
	}
	if len(merged) > 0 {
		primary.Timeline = append(primary.Timeline, TimelineEntry{
			Timestamp: now,
			Type:      "merged",
			Message:   fmt.Sprintf("Absorbed %d incident(s)", len(merged)),
			Details:   map[string]any{"merged_ids": merged},
		})
		primary.UpdatedAt = now
	}
	m.mu.Unlock()

	for _, id := range merged {
		m.publish(alerting.EventIncidentClosed, id, map[string]any{"merged_into": primaryID})
	}
	if len(merged) > 0 {
		m.publish(alerting.EventIncidentUpdated, primaryID, nil)
	}
	return nil
}

// Relate appends a non-mutating timeline note listing related alerts.
func (m *Manager) Relate(incidentID string, alertIDs []string) error {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[incidentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Type:      "related",
		Message:   fmt.Sprintf("Related alerts observed: %v", alertIDs),
		Details:   map[string]any{"alert_ids": alertIDs},
	})
	return nil
}

// Stop cancels all pending auto-action timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, timer := range m.timers {
		timer.Stop()
		delete(m.timers, key)
	}
}

func (m *Manager) snapshot(id string) *Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inc, ok := m.incidents[id]; ok {
		return inc.Clone()
	}
	return nil
}

func (m *Manager) notify(inc *Incident, subject, body string) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyIncident(inc.ID, inc.Severity, subject, body, m.opts.CommunicationChannels)
}

func (m *Manager) publish(eventType, id string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventType, "incident", id, data)
}
