package observability

import (
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMetricsCountAlertEvents(t *testing.T) {
	bus := alerting.NewBus(testLogger())
	defer bus.Stop()
	metrics := New(bus)
	defer metrics.Stop()

	bus.Publish(alerting.EventAlertCreated, "alerting", "a1", map[string]any{
		"severity": alerting.SeverityCritical,
		"status":   alerting.AlertStatusActive,
	})
	bus.Publish(alerting.EventAlertCreated, "alerting", "a2", map[string]any{
		"severity": alerting.SeverityCritical,
		"status":   alerting.AlertStatusActive,
	})
	bus.Publish(alerting.EventAlertResolved, "alerting", "a1", nil)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.alertsResolved) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.alertsCreated.WithLabelValues(alerting.SeverityCritical)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.alertsSuppressed))
}

func TestMetricsCountSuppressedAtCreation(t *testing.T) {
	bus := alerting.NewBus(testLogger())
	defer bus.Stop()
	metrics := New(bus)
	defer metrics.Stop()

	bus.Publish(alerting.EventAlertCreated, "alerting", "a1", map[string]any{
		"severity": alerting.SeverityWarning,
		"status":   alerting.AlertStatusSuppressed,
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.alertsSuppressed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMetricsCountDeliveryAndIncidents(t *testing.T) {
	bus := alerting.NewBus(testLogger())
	defer bus.Stop()
	metrics := New(bus)
	defer metrics.Stop()

	bus.Publish(alerting.EventNotificationSent, "notification", "n1", nil)
	bus.Publish(alerting.EventNotificationFailed, "notification", "n2", nil)
	bus.Publish(alerting.EventEscalationTriggered, "alerting", "a1", nil)
	bus.Publish(alerting.EventIncidentCreated, "incident", "i1", nil)
	bus.Publish(alerting.EventIncidentResolved, "incident", "i1", nil)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.incidentsResolved) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notificationsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notificationsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.escalations))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.incidentsCreated))
}

func TestMetricsRegistryGathers(t *testing.T) {
	bus := alerting.NewBus(testLogger())
	defer bus.Stop()
	metrics := New(bus)
	defer metrics.Stop()

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
