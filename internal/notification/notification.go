package notification

import (
	"errors"
	"time"
)

// Notification statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusDelivered = "delivered" // confirmed by the receiving service
)

// Notification kinds.
const (
	KindAlert      = "alert"
	KindEscalation = "escalation"
	KindIncident   = "incident"
)

// ErrNotificationNotFound is returned when a notification id does not exist.
var ErrNotificationNotFound = errors.New("notification not found")

// Notification is one queued delivery to one channel. A multi-channel
// alert fans out to one Notification per channel so each retries
// independently.
type Notification struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	ChannelID  string `json:"channel_id"`
	AlertID    string `json:"alert_id,omitempty"`
	IncidentID string `json:"incident_id,omitempty"`

	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Severity string `json:"severity"`

	// Payload carries structured fields for sinks that post JSON
	// (webhook, pagerduty) instead of the rendered Body.
	Payload map[string]any `json:"payload,omitempty"`

	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	NextAttempt time.Time  `json:"next_attempt"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (n *Notification) Clone() *Notification {
	c := *n
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	if n.Payload != nil {
		c.Payload = make(map[string]any, len(n.Payload))
		for k, v := range n.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// Terminal reports whether the notification will see no further attempts.
func (n *Notification) Terminal() bool {
	return n.Status == StatusSent || n.Status == StatusDelivered || n.Status == StatusFailed
}
