package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sink delivers one notification to one channel. Implementations are
// chosen by channel type and must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, channel *Channel, n *Notification) error
}

const defaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// httpSink posts JSON payloads for webhook, SMS-gateway and PagerDuty
// channels.
type httpSink struct {
	client *http.Client
}

// NewHTTPSink creates a sink over the given client. A nil client gets a
// 10 second timeout default.
func NewHTTPSink(client *http.Client) Sink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpSink{client: client}
}

func (s *httpSink) Send(ctx context.Context, channel *Channel, n *Notification) error {
	switch channel.Type {
	case ChannelWebhook:
		return s.post(ctx, channel.Webhook.URL, channel.Webhook.Headers, s.webhookBody(n))
	case ChannelSMS:
		headers := map[string]string{}
		if channel.SMS.APIKey != "" {
			headers["Authorization"] = "Bearer " + channel.SMS.APIKey
		}
		return s.post(ctx, channel.SMS.GatewayURL, headers, map[string]any{
			"to":      channel.SMS.Numbers,
			"message": n.Body,
		})
	case ChannelPagerDuty:
		url := channel.PagerDuty.APIURL
		if url == "" {
			url = defaultPagerDutyURL
		}
		return s.post(ctx, url, nil, s.pagerDutyBody(channel, n))
	default:
		return fmt.Errorf("http sink cannot deliver channel type %q", channel.Type)
	}
}

func (s *httpSink) webhookBody(n *Notification) map[string]any {
	body := map[string]any{
		"kind":    n.Kind,
		"subject": n.Subject,
		"message": n.Body,
	}
	for k, v := range n.Payload {
		body[k] = v
	}
	return body
}

func (s *httpSink) pagerDutyBody(channel *Channel, n *Notification) map[string]any {
	severity := n.Severity
	if severity == "" {
		severity = "error"
	}
	return map[string]any{
		"routing_key":  channel.PagerDuty.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    n.AlertID,
		"payload": map[string]any{
			"summary":        n.Subject,
			"source":         "opsgate",
			"severity":       severity,
			"custom_details": n.Payload,
		},
	}
}

func (s *httpSink) post(ctx context.Context, url string, headers map[string]string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting to %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
