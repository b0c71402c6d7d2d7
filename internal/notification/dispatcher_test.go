package notification

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

// fakeSink records sends and fails on demand.
type fakeSink struct {
	mu    sync.Mutex
	sends []*Notification
	err   error
}

func (f *fakeSink) Send(_ context.Context, _ *Channel, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, n.Clone())
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func webhookChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		Type:    ChannelWebhook,
		Enabled: true,
		Webhook: &WebhookSettings{URL: "http://ops.example.com/hook"},
	}
}

func testAlert(channels ...string) *alerting.Alert {
	return &alerting.Alert{
		ID:        "alert-1",
		Name:      "High memory usage",
		Severity:  alerting.SeverityError,
		Status:    alerting.AlertStatusActive,
		Metric:    "memory_usage",
		Value:     95,
		Threshold: 90,
		Channels:  channels,
		Timestamp: time.Now(),
	}
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *fakeSink) {
	t.Helper()
	d := NewDispatcher(testLogger(), nil, opts)
	sink := &fakeSink{}
	d.SetSink(ChannelWebhook, sink)
	return d, sink
}

func TestNotifyAlertFansOutPerChannel(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)
	_, err = d.AddChannel(webhookChannel("oncall"))
	require.NoError(t, err)

	d.NotifyAlert(testAlert("ops", "oncall"))

	pending := d.Notifications(Filter{Status: StatusPending})
	require.Len(t, pending, 2)
	for _, n := range pending {
		assert.Equal(t, KindAlert, n.Kind)
		assert.Equal(t, "alert-1", n.AlertID)
		assert.Contains(t, n.Subject, "High memory usage")
		assert.Equal(t, 3, n.MaxAttempts)
	}
}

func TestNotifyAlertUsesDefaultChannels(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{DefaultChannels: []string{"ops"}})

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)

	d.NotifyAlert(testAlert())
	assert.Len(t, d.Notifications(Filter{}), 1)
}

func TestNotifyAlertSkipsDisabledAndFiltered(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})

	disabled := webhookChannel("disabled")
	disabled.Enabled = false
	_, err := d.AddChannel(disabled)
	require.NoError(t, err)

	critOnly := webhookChannel("crit-only")
	critOnly.MinSeverity = alerting.SeverityCritical
	_, err = d.AddChannel(critOnly)
	require.NoError(t, err)

	d.NotifyAlert(testAlert("disabled", "crit-only")) // severity error
	assert.Empty(t, d.Notifications(Filter{}))
}

func TestDeliverySucceeds(t *testing.T) {
	t.Parallel()
	d, sink := newTestDispatcher(t, Options{Workers: 2})

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop()

	d.NotifyAlert(testAlert("ops"))
	require.NoError(t, d.Tick(ctx))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		sent := d.Notifications(Filter{Status: StatusSent})
		return len(sent) == 1 && sent[0].SentAt != nil
	}, time.Second, time.Millisecond)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	t.Parallel()
	d, sink := newTestDispatcher(t, Options{MaxAttempts: 3, BackoffBase: 30 * time.Second})
	sink.err = errors.New("unreachable")

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)

	now := time.Now()
	d.SetClock(func() time.Time { return now })
	d.NotifyAlert(testAlert("ops"))

	pending := d.Notifications(Filter{})
	require.Len(t, pending, 1)
	id := pending[0].ID
	ctx := context.Background()

	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}
	for i, want := range wantDelays {
		d.deliver(ctx, id)
		n := d.Notifications(Filter{})[0]
		assert.Equal(t, StatusPending, n.Status)
		assert.Equal(t, i+1, n.Attempt)
		assert.Equal(t, now.Add(want), n.NextAttempt, "attempt %d backoff", i+1)
	}

	// The fourth failure exhausts the retry budget.
	d.deliver(ctx, id)
	n := d.Notifications(Filter{})[0]
	assert.Equal(t, StatusFailed, n.Status)
	assert.Equal(t, 4, n.Attempt)
	assert.Contains(t, n.LastError, "unreachable")
}

func TestTickSkipsNotYetDue(t *testing.T) {
	t.Parallel()
	d, sink := newTestDispatcher(t, Options{})
	sink.err = errors.New("down")

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)

	now := time.Now()
	d.SetClock(func() time.Time { return now })
	d.NotifyAlert(testAlert("ops"))

	ctx := context.Background()
	id := d.Notifications(Filter{})[0].ID
	d.deliver(ctx, id) // pushes NextAttempt into the future

	require.NoError(t, d.Tick(ctx))
	assert.Empty(t, d.jobs, "backoff must keep the notification off the job queue")

	d.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	require.NoError(t, d.Tick(ctx))
	assert.Len(t, d.jobs, 1)
	d.unmark(<-d.jobs)
}

func TestTickInFlightGuard(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)
	d.NotifyAlert(testAlert("ops"))

	// No workers running: the job stays in flight between ticks.
	ctx := context.Background()
	require.NoError(t, d.Tick(ctx))
	require.NoError(t, d.Tick(ctx))
	assert.Len(t, d.jobs, 1, "an in-flight notification is never handed out twice")
	d.unmark(<-d.jobs)
}

func TestUnknownChannelFailsImmediately(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})

	channel, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)
	d.NotifyAlert(testAlert("ops"))
	require.NoError(t, d.RemoveChannel(channel.ID))

	id := d.Notifications(Filter{})[0].ID
	d.deliver(context.Background(), id)

	n := d.Notifications(Filter{})[0]
	assert.Equal(t, StatusFailed, n.Status, "a missing channel is not retried")
}

func TestRetentionPrunesTerminalNotifications(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{Retention: time.Hour})

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)

	now := time.Now()
	d.SetClock(func() time.Time { return now })
	d.NotifyAlert(testAlert("ops"))

	ctx := context.Background()
	id := d.Notifications(Filter{})[0].ID
	d.markSent(id)

	d.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
	require.NoError(t, d.Tick(ctx))
	assert.Empty(t, d.Notifications(Filter{}))
}

func TestChannelCRUD(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})

	_, err := d.AddChannel(&Channel{Name: "bad", Type: "carrier-pigeon"})
	require.Error(t, err)

	channel, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)

	got, err := d.GetChannel(channel.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Name)

	got.Name = "ops-eu"
	_, err = d.UpdateChannel(channel.ID, got)
	require.NoError(t, err)

	all := d.Channels()
	require.Len(t, all, 1)
	assert.Equal(t, "ops-eu", all[0].Name)

	require.NoError(t, d.RemoveChannel(channel.ID))
	require.ErrorIs(t, d.RemoveChannel(channel.ID), ErrChannelNotFound)
}

func TestNotifyIncident(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})

	_, err := d.AddChannel(webhookChannel("ops"))
	require.NoError(t, err)

	d.NotifyIncident("inc-1", alerting.SeverityCritical, "Incident declared", "API outage", []string{"ops"})

	got := d.Notifications(Filter{Kind: KindIncident})
	require.Len(t, got, 1)
	assert.Equal(t, "inc-1", got[0].IncidentID)
	assert.Equal(t, "Incident declared", got[0].Subject)
}
