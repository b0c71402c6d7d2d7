// Package alerting implements the alert rules engine, alert store with
// deduplication and suppression, escalation, and the mutation event bus.
package alerting

// Severity levels, ordered from most to least urgent.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert statuses.
const (
	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
	AlertStatusSuppressed   = "suppressed"
)

// Comparison operators for rule conditions.
const (
	OperatorGreaterThan    = "gt"
	OperatorGreaterOrEqual = "gte"
	OperatorLessThan       = "lt"
	OperatorLessOrEqual    = "lte"
	OperatorEqual          = "eq"
	OperatorNotEqual       = "ne"
)

// Aggregation functions applied to a metric window before comparison.
const (
	AggregationAvg   = "avg"
	AggregationMax   = "max"
	AggregationMin   = "min"
	AggregationSum   = "sum"
	AggregationCount = "count"
)

// Mutation event types published on the event bus.
const (
	EventRuleCreated  = "rule.created"
	EventRuleUpdated  = "rule.updated"
	EventRuleDeleted  = "rule.deleted"
	EventRuleFired    = "rule.fired"

	EventAlertCreated      = "alert.created"
	EventAlertAcknowledged = "alert.acknowledged"
	EventAlertResolved     = "alert.resolved"
	EventAlertSuppressed   = "alert.suppressed"
	EventAlertPurged       = "alert.purged"

	EventSuppressionCreated = "suppression.created"
	EventSuppressionExpired = "suppression.expired"
	EventSuppressionRemoved = "suppression.removed"

	EventEscalationTriggered = "escalation.triggered"

	EventNotificationQueued = "notification.queued"
	EventNotificationSent   = "notification.sent"
	EventNotificationFailed = "notification.failed"

	EventIncidentCreated   = "incident.created"
	EventIncidentUpdated   = "incident.updated"
	EventIncidentAssigned  = "incident.assigned"
	EventIncidentEscalated = "incident.escalated"
	EventIncidentResolved  = "incident.resolved"
	EventIncidentClosed    = "incident.closed"

	EventActionAdded     = "action.added"
	EventActionCompleted = "action.completed"

	EventPostMortemCreated = "postmortem.created"

	EventChannelAdded   = "channel.added"
	EventChannelUpdated = "channel.updated"
	EventChannelRemoved = "channel.removed"
)

// Severities returns all severity levels in urgency order.
func Severities() []string {
	return []string{SeverityCritical, SeverityError, SeverityWarning, SeverityInfo}
}

// ValidSeverity reports whether s is a known severity level.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// ValidOperator reports whether op is a known comparison operator.
func ValidOperator(op string) bool {
	switch op {
	case OperatorGreaterThan, OperatorGreaterOrEqual, OperatorLessThan,
		OperatorLessOrEqual, OperatorEqual, OperatorNotEqual:
		return true
	}
	return false
}

// ValidAggregation reports whether agg is a known aggregation function.
func ValidAggregation(agg string) bool {
	switch agg {
	case AggregationAvg, AggregationMax, AggregationMin, AggregationSum, AggregationCount:
		return true
	}
	return false
}
