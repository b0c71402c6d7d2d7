package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/alerting"
)

// severityEmoji decorates Slack and SMS messages.
var severityEmoji = map[string]string{
	alerting.SeverityCritical: "🔴",
	alerting.SeverityError:    "🟠",
	alerting.SeverityWarning:  "🟡",
	alerting.SeverityInfo:     "🔵",
}

// FormatAlert renders an alert for a channel type. Every rendering
// carries the alert's name, description, severity, metric, observed
// value, threshold and timestamp.
func FormatAlert(channelType string, alert *alerting.Alert) (subject, body string) {
	subject = fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.Name)
	ts := alert.Timestamp.Format(time.RFC3339)

	switch channelType {
	case ChannelSlack:
		var b strings.Builder
		fmt.Fprintf(&b, "%s *%s*\n", severityEmoji[alert.Severity], alert.Name)
		if alert.Description != "" {
			fmt.Fprintf(&b, "%s\n", alert.Description)
		}
		fmt.Fprintf(&b, "Severity: `%s`", alert.Severity)
		if alert.Metric != "" {
			fmt.Fprintf(&b, " | %s = %.2f (threshold %.2f)", alert.Metric, alert.Value, alert.Threshold)
		}
		fmt.Fprintf(&b, "\n%s", ts)
		return subject, b.String()

	case ChannelSMS:
		// Keep it short; gateways truncate.
		body = fmt.Sprintf("%s %s: %s", severityEmoji[alert.Severity], strings.ToUpper(alert.Severity), alert.Name)
		if alert.Metric != "" {
			body += fmt.Sprintf(" (%s=%.1f>%.1f)", alert.Metric, alert.Value, alert.Threshold)
		}
		return subject, body

	default: // email, webhook, pagerduty
		var b strings.Builder
		fmt.Fprintf(&b, "Alert: %s\n", alert.Name)
		if alert.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", alert.Description)
		}
		fmt.Fprintf(&b, "Severity: %s\n", alert.Severity)
		if alert.Metric != "" {
			fmt.Fprintf(&b, "Metric: %s\nValue: %.2f\nThreshold: %.2f\n", alert.Metric, alert.Value, alert.Threshold)
		}
		fmt.Fprintf(&b, "Time: %s\n", ts)
		return subject, b.String()
	}
}

// FormatEscalation renders an escalation page.
func FormatEscalation(channelType string, alert *alerting.Alert, policy *alerting.EscalationPolicy, level alerting.EscalationLevel) (subject, body string) {
	subject = fmt.Sprintf("[ESCALATION L%d] %s", level.Level, alert.Name)
	_, alertBody := FormatAlert(channelType, alert)
	header := fmt.Sprintf("Unacknowledged alert escalated to level %d (policy %s).\n\n", level.Level, policy.Name)
	if channelType == ChannelSMS {
		return subject, fmt.Sprintf("ESC L%d: %s", level.Level, alertBody)
	}
	return subject, header + alertBody
}

// AlertPayload builds the structured payload posted by JSON sinks.
func AlertPayload(alert *alerting.Alert) map[string]any {
	payload := map[string]any{
		"alert_id":  alert.ID,
		"name":      alert.Name,
		"severity":  alert.Severity,
		"status":    alert.Status,
		"timestamp": alert.Timestamp.Format(time.RFC3339),
	}
	if alert.Description != "" {
		payload["description"] = alert.Description
	}
	if alert.Metric != "" {
		payload["metric"] = alert.Metric
		payload["value"] = alert.Value
		payload["threshold"] = alert.Threshold
	}
	return payload
}
