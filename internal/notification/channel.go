// Package notification delivers alert, escalation and incident
// notifications to configured channels with retry and backoff.
package notification

import (
	"errors"
	"fmt"
)

// Channel types.
const (
	ChannelEmail     = "email"
	ChannelSlack     = "slack"
	ChannelWebhook   = "webhook"
	ChannelSMS       = "sms"
	ChannelPagerDuty = "pagerduty"
)

// ErrChannelNotFound is returned when a channel id or name does not exist.
var ErrChannelNotFound = errors.New("notification channel not found")

// EmailSettings configures SMTP delivery for an email channel.
type EmailSettings struct {
	Host       string   `json:"host" yaml:"host"`
	Port       int      `json:"port" yaml:"port"`
	Username   string   `json:"username" yaml:"username"`
	Password   string   `json:"password,omitempty" yaml:"password,omitempty"`
	From       string   `json:"from" yaml:"from"`
	Recipients []string `json:"recipients" yaml:"recipients"`
}

// SlackSettings configures a Slack webhook channel.
type SlackSettings struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	Botname    string `json:"botname,omitempty" yaml:"botname,omitempty"`
}

// WebhookSettings configures a generic HTTP webhook channel. The alert
// payload is POSTed as JSON.
type WebhookSettings struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// SMSSettings configures delivery through an SMS gateway webhook.
type SMSSettings struct {
	GatewayURL string   `json:"gateway_url" yaml:"gateway_url"`
	APIKey     string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Numbers    []string `json:"numbers" yaml:"numbers"`
}

// PagerDutySettings configures a PagerDuty Events API v2 channel.
type PagerDutySettings struct {
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	APIURL     string `json:"api_url,omitempty" yaml:"api_url,omitempty"` // override for tests
}

// Channel is one configured notification destination. Exactly one of the
// type-specific settings fields is set, matching Type.
type Channel struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// MinSeverity filters deliveries; empty means all severities.
	MinSeverity string `json:"min_severity,omitempty" yaml:"min_severity,omitempty"`

	Email     *EmailSettings     `json:"email,omitempty" yaml:"email,omitempty"`
	Slack     *SlackSettings     `json:"slack,omitempty" yaml:"slack,omitempty"`
	Webhook   *WebhookSettings   `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	SMS       *SMSSettings       `json:"sms,omitempty" yaml:"sms,omitempty"`
	PagerDuty *PagerDutySettings `json:"pagerduty,omitempty" yaml:"pagerduty,omitempty"`
}

// Validate checks the channel's type/settings pairing.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return errors.New("channel name is required")
	}
	switch c.Type {
	case ChannelEmail:
		if c.Email == nil || c.Email.Host == "" || len(c.Email.Recipients) == 0 {
			return fmt.Errorf("email channel %q needs host and recipients", c.Name)
		}
	case ChannelSlack:
		if c.Slack == nil || c.Slack.WebhookURL == "" {
			return fmt.Errorf("slack channel %q needs a webhook url", c.Name)
		}
	case ChannelWebhook:
		if c.Webhook == nil || c.Webhook.URL == "" {
			return fmt.Errorf("webhook channel %q needs a url", c.Name)
		}
	case ChannelSMS:
		if c.SMS == nil || c.SMS.GatewayURL == "" || len(c.SMS.Numbers) == 0 {
			return fmt.Errorf("sms channel %q needs a gateway url and numbers", c.Name)
		}
	case ChannelPagerDuty:
		if c.PagerDuty == nil || c.PagerDuty.RoutingKey == "" {
			return fmt.Errorf("pagerduty channel %q needs a routing key", c.Name)
		}
	default:
		return fmt.Errorf("unknown channel type %q", c.Type)
	}
	return nil
}

var severityRank = map[string]int{
	"info":     0,
	"warning":  1,
	"error":    2,
	"critical": 3,
}

// Accepts reports whether the channel's severity filter admits the alert.
func (c *Channel) Accepts(severity string) bool {
	if c.MinSeverity == "" {
		return true
	}
	return severityRank[severity] >= severityRank[c.MinSeverity]
}
