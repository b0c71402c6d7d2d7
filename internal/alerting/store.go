package alerting

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/opsgate/opsgate/internal/conf"
	"github.com/opsgate/opsgate/internal/logger"
)

// Notifier receives alerts that passed deduplication and suppression.
// The notification dispatcher implements it; a nil notifier is allowed
// and simply drops deliveries.
type Notifier interface {
	NotifyAlert(alert *Alert)
}

// AlertFilter narrows GetAlerts results. Zero values mean "any".
type AlertFilter struct {
	Status   string
	Severity string
	RuleID   uint
	Since    time.Time
	Limit    int
}

// Store holds runtime alert state: the alerts themselves, active
// suppression rules, and the deduplication window. All state is
// in-memory; alerts do not survive a restart.
type Store struct {
	log      logger.Logger
	clock    func() time.Time
	dedup    *gocache.Cache
	window   time.Duration
	retain   time.Duration
	notifier Notifier
	bus      *Bus

	mu           sync.RWMutex
	alerts       map[string]*Alert
	suppressions map[string]*SuppressionRule
}

// StoreOptions configures a Store.
type StoreOptions struct {
	DeduplicationWindow time.Duration // default 5m
	ResolvedRetention   time.Duration // default 7d
	Notifier            Notifier
	Bus                 *Bus
}

// NewStore creates an alert store.
func NewStore(log logger.Logger, opts StoreOptions) *Store {
	if opts.DeduplicationWindow <= 0 {
		opts.DeduplicationWindow = 5 * time.Minute
	}
	if opts.ResolvedRetention <= 0 {
		opts.ResolvedRetention = 7 * 24 * time.Hour
	}
	return &Store{
		log:          log.With(logger.String("component", "alert_store")),
		clock:        time.Now,
		dedup:        gocache.New(opts.DeduplicationWindow, 10*time.Minute),
		window:       opts.DeduplicationWindow,
		retain:       opts.ResolvedRetention,
		notifier:     opts.Notifier,
		bus:          opts.Bus,
		alerts:       make(map[string]*Alert),
		suppressions: make(map[string]*SuppressionRule),
	}
}

// SetClock overrides the store clock. Test use only.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

// SetNotifier wires the notification dispatcher after construction. The
// dispatcher needs the store for resends, so wiring happens in two steps.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

func dedupKey(alert *Alert) string {
	if alert.RuleID != 0 {
		return "rule:" + strconv.FormatUint(uint64(alert.RuleID), 10)
	}
	return "name:" + alert.Name
}

// Create records an alert and, unless it is a duplicate or suppressed,
// hands it to the notifier. The record is stored in every case; only the
// notification is withheld.
func (s *Store) Create(alert *Alert) (*Alert, error) {
	if !ValidSeverity(alert.Severity) {
		return nil, fmt.Errorf("invalid severity %q", alert.Severity)
	}
	now := s.clock()
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}
	alert.Status = AlertStatusActive

	suppressed := s.suppressedBy(alert, now)
	if suppressed != nil {
		alert.Status = AlertStatusSuppressed
	}

	// Duplicate only while the earlier alert in the window is still
	// active; once it is resolved or acknowledged a re-fire notifies
	// again.
	key := dedupKey(alert)
	var duplicate bool
	if prev, ok := s.dedup.Get(key); ok {
		if prevID, _ := prev.(string); prevID != "" {
			s.mu.RLock()
			earlier, exists := s.alerts[prevID]
			duplicate = exists && earlier.Status == AlertStatusActive
			s.mu.RUnlock()
		}
	}
	if !duplicate {
		s.dedup.Set(key, alert.ID, s.window)
	}

	s.mu.Lock()
	s.alerts[alert.ID] = alert
	s.mu.Unlock()

	s.publish(EventAlertCreated, alert.ID, map[string]any{
		"name":     alert.Name,
		"severity": alert.Severity,
		"status":   alert.Status,
	})

	switch {
	case suppressed != nil:
		s.log.Info("alert suppressed",
			logger.String("alert_id", alert.ID),
			logger.String("suppression_id", suppressed.ID),
			logger.String("reason", suppressed.Reason))
	case duplicate:
		s.log.Debug("duplicate alert within window, notification withheld",
			logger.String("alert_id", alert.ID),
			logger.String("dedup_key", key))
	default:
		if s.notifier != nil {
			s.notifier.NotifyAlert(alert.Clone())
		}
	}
	return alert.Clone(), nil
}

// Get returns a copy of the alert with the given id.
func (s *Store) Get(id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return alert.Clone(), nil
}

// GetAlerts returns alerts matching the filter, newest first.
func (s *Store) GetAlerts(filter AlertFilter) []*Alert {
	s.mu.RLock()
	out := make([]*Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		if filter.RuleID != 0 && alert.RuleID != filter.RuleID {
			continue
		}
		if !filter.Since.IsZero() && alert.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, alert.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// AlertsSince implements the incident package's alert query: all alerts
// created at or after the given time, regardless of status.
func (s *Store) AlertsSince(since time.Time) []*Alert {
	return s.GetAlerts(AlertFilter{Since: since})
}

// ActiveAlerts returns alerts whose status is still active.
func (s *Store) ActiveAlerts() []*Alert {
	return s.GetAlerts(AlertFilter{Status: AlertStatusActive})
}

// Acknowledge marks an active alert as acknowledged by the given user.
func (s *Store) Acknowledge(id, user string) (*Alert, error) {
	now := s.clock()
	s.mu.Lock()
	alert, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status == AlertStatusResolved {
		s.mu.Unlock()
		return nil, fmt.Errorf("alert %s is already resolved", id)
	}
	alert.Status = AlertStatusAcknowledged
	alert.AcknowledgedBy = user
	alert.AcknowledgedAt = &now
	clone := alert.Clone()
	s.mu.Unlock()

	s.publish(EventAlertAcknowledged, id, map[string]any{"user": user})
	return clone, nil
}

// Resolve marks an alert as resolved. Resolving an already resolved alert
// is a no-op that returns the current state.
func (s *Store) Resolve(id string) (*Alert, error) {
	now := s.clock()
	s.mu.Lock()
	alert, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status == AlertStatusResolved {
		clone := alert.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	alert.Status = AlertStatusResolved
	alert.ResolvedAt = &now
	clone := alert.Clone()
	s.mu.Unlock()

	s.publish(EventAlertResolved, id, nil)
	return clone, nil
}

// SuppressAlert suppresses a single alert for the given duration and
// registers a time-bounded suppression rule targeting the alert's rule,
// so future notifications for the same rule are withheld until it
// expires. The alert returns to active once the deadline passes (see
// Sweep).
func (s *Store) SuppressAlert(id string, duration time.Duration, reason, user string) (*Alert, error) {
	if duration <= 0 {
		duration = time.Hour
	}
	now := s.clock()
	until := now.Add(duration)

	s.mu.Lock()
	alert, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	alert.Status = AlertStatusSuppressed
	alert.SuppressedUntil = &until
	clone := alert.Clone()
	s.mu.Unlock()

	s.AddSuppression(&SuppressionRule{
		RuleID:    clone.RuleID,
		Reason:    reason,
		Duration:  conf.Duration(duration),
		CreatedAt: now,
		CreatedBy: user,
	})

	s.publish(EventAlertSuppressed, id, map[string]any{"until": until})
	return clone, nil
}

// AddSuppression registers a suppression rule. While the rule is active,
// matching alerts are recorded with suppressed status and no notification
// is sent.
func (s *Store) AddSuppression(rule *SuppressionRule) *SuppressionRule {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.clock()
	}
	if rule.Duration.Std() <= 0 {
		rule.Duration = conf.Duration(time.Hour)
	}
	rule.Active = true

	s.mu.Lock()
	s.suppressions[rule.ID] = rule
	s.mu.Unlock()

	s.publish(EventSuppressionCreated, rule.ID, map[string]any{"reason": rule.Reason})
	s.log.Info("suppression rule added",
		logger.String("suppression_id", rule.ID),
		logger.String("reason", rule.Reason),
		logger.Duration("duration", rule.Duration.Std()))
	copy := *rule
	return &copy
}

// RemoveSuppression deactivates and deletes a suppression rule.
func (s *Store) RemoveSuppression(id string) error {
	s.mu.Lock()
	_, ok := s.suppressions[id]
	if ok {
		delete(s.suppressions, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("suppression rule not found: %s", id)
	}
	s.publish(EventSuppressionRemoved, id, nil)
	return nil
}

// Suppressions returns the active suppression rules.
func (s *Store) Suppressions() []*SuppressionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SuppressionRule, 0, len(s.suppressions))
	for _, rule := range s.suppressions {
		copy := *rule
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) suppressedBy(alert *Alert, now time.Time) *SuppressionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rule := range s.suppressions {
		if !rule.Active || rule.Expired(now) {
			continue
		}
		if rule.Matches(alert) {
			copy := *rule
			return &copy
		}
	}
	return nil
}

// Sweep performs periodic maintenance: expired suppression rules are
// removed, per-alert suppression deadlines reactivate their alerts, and
// resolved alerts past the retention window are dropped.
func (s *Store) Sweep() {
	now := s.clock()
	var expired []string
	var reactivated []string
	var dropped []string

	s.mu.Lock()
	for id, rule := range s.suppressions {
		if rule.Expired(now) {
			delete(s.suppressions, id)
			expired = append(expired, id)
		}
	}
	for id, alert := range s.alerts {
		if alert.Status == AlertStatusSuppressed && alert.SuppressedUntil != nil && !now.Before(*alert.SuppressedUntil) {
			alert.Status = AlertStatusActive
			alert.SuppressedUntil = nil
			reactivated = append(reactivated, id)
		}
		if alert.Status == AlertStatusResolved && alert.ResolvedAt != nil && now.Sub(*alert.ResolvedAt) > s.retain {
			delete(s.alerts, id)
			dropped = append(dropped, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.publish(EventSuppressionExpired, id, nil)
	}
	if len(expired)+len(reactivated)+len(dropped) > 0 {
		s.log.Debug("store sweep",
			logger.Int("expired_suppressions", len(expired)),
			logger.Int("reactivated_alerts", len(reactivated)),
			logger.Int("dropped_alerts", len(dropped)))
	}
}

func (s *Store) publish(eventType, id string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventType, "alerting", id, data)
}
