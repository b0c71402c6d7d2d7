package service

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/conf"
	"github.com/opsgate/opsgate/internal/logger"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings := conf.Defaults()
	settings.Main.DataPath = t.TempDir()
	settings.WebServer.Enabled = false
	settings.Sysmon.Enabled = false
	return settings
}

func newTestService(t *testing.T, settings *conf.Settings) *Service {
	t.Helper()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
	svc, err := New(t.Context(), settings, log)
	require.NoError(t, err)
	return svc
}

func TestServiceStartShutdown(t *testing.T) {
	svc := newTestService(t, testSettings(t))

	require.NotNil(t, svc.Store())
	require.NotNil(t, svc.Engine())
	require.NotNil(t, svc.Rules())
	require.NotNil(t, svc.Dispatcher())
	require.NotNil(t, svc.Escalator())
	require.NotNil(t, svc.Incidents())
	require.NotNil(t, svc.Correlator())
	require.NotNil(t, svc.Bus())
	require.NotNil(t, svc.Registry())

	// Default rules are seeded into the fresh database.
	rules, err := svc.Rules().ListRules(t.Context(), alerting.RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, rules, len(alerting.DefaultRules()))

	svc.Start(t.Context())
	svc.Shutdown()

	select {
	case err := <-svc.Err():
		t.Fatalf("unexpected runtime error: %v", err)
	default:
	}
}

func TestServicePoliciesSurviveRestart(t *testing.T) {
	settings := testSettings(t)

	svc := newTestService(t, settings)
	_, err := svc.Escalator().AddPolicy(&alerting.EscalationPolicy{
		ID:   "critical",
		Name: "Critical incidents",
		Levels: []alerting.EscalationLevel{
			{Level: 1, After: conf.Duration(10 * time.Minute), Channels: []string{"slack"}},
		},
	})
	require.NoError(t, err)
	svc.Shutdown()

	svc = newTestService(t, settings)
	defer svc.Shutdown()

	policies := svc.Escalator().Policies()
	require.Len(t, policies, 1)
	assert.Equal(t, "critical", policies[0].ID)
	assert.Equal(t, "Critical incidents", policies[0].Name)
}
