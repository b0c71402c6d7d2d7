package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/alerting"
)

func resolvedIncident(created time.Time, resolvedAfter time.Duration, title, severity string) *Incident {
	resolved := created.Add(resolvedAfter)
	return &Incident{
		ID:         title,
		Title:      title,
		Severity:   severity,
		Status:     StatusResolved,
		CreatedAt:  created,
		ResolvedAt: &resolved,
	}
}

func TestMTTR(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	incidents := []*Incident{
		resolvedIncident(base, 10*time.Minute, "a", alerting.SeverityError),
		resolvedIncident(base, 30*time.Minute, "b", alerting.SeverityError),
	}

	a := computeAnalytics(incidents, base.Add(time.Hour))
	assert.Equal(t, 20*time.Minute, a.MTTR)
	assert.Equal(t, a.MTTR, a.AverageResolution)
}

func TestMTBF(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Resolutions at +10m, +40m, +70m: gaps of 30m each.
	incidents := []*Incident{
		resolvedIncident(base, 10*time.Minute, "a", alerting.SeverityError),
		resolvedIncident(base, 40*time.Minute, "b", alerting.SeverityError),
		resolvedIncident(base, 70*time.Minute, "c", alerting.SeverityError),
	}

	a := computeAnalytics(incidents, base.Add(2*time.Hour))
	assert.Equal(t, 30*time.Minute, a.MTBF)

	// Fewer than two resolved incidents: MTBF is zero.
	a = computeAnalytics(incidents[:1], base.Add(2*time.Hour))
	assert.Zero(t, a.MTBF)
}

func TestHealthScore(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		incidents []*Incident
		want      int
	}{
		{"no incidents", nil, 100},
		{
			"one recent critical",
			[]*Incident{{ID: "1", Severity: alerting.SeverityCritical, Status: StatusOpen, CreatedAt: now.Add(-time.Hour)}},
			88, // 100 - 10 - 2
		},
		{
			"old incidents do not count",
			[]*Incident{{ID: "1", Severity: alerting.SeverityCritical, Status: StatusOpen, CreatedAt: now.Add(-8 * 24 * time.Hour)}},
			100,
		},
		{
			"floored at zero",
			func() []*Incident {
				var out []*Incident
				for i := 0; i < 12; i++ {
					out = append(out, &Incident{
						ID:        string(rune('a' + i)),
						Severity:  alerting.SeverityCritical,
						Status:    StatusOpen,
						CreatedAt: now.Add(-time.Hour),
					})
				}
				return out
			}(),
			0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := computeAnalytics(tt.incidents, now)
			assert.Equal(t, tt.want, a.SystemHealthScore)
		})
	}
}

func TestRecurringIssues(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	// Titles differing only in numbers and system nouns normalize to the
	// same pattern; three occurrences cross the "more than twice" bar.
	incidents := []*Incident{
		{ID: "1", Title: "Database timeout on shard 1", Severity: alerting.SeverityError, Status: StatusOpen, CreatedAt: now},
		{ID: "2", Title: "db timeout on shard 2", Severity: alerting.SeverityError, Status: StatusOpen, CreatedAt: now},
		{ID: "3", Title: "Database timeout on shard 31", Severity: alerting.SeverityError, Status: StatusOpen, CreatedAt: now},
		{ID: "4", Title: "Unrelated problem", Severity: alerting.SeverityError, Status: StatusOpen, CreatedAt: now},
	}

	a := computeAnalytics(incidents, now)
	require.Len(t, a.RecurringIssues, 1)
	assert.Equal(t, 3, a.RecurringIssues[0].Count)
	assert.Equal(t, "<system> timeout on shard <n>", a.RecurringIssues[0].Pattern)
}

func TestTopCausesCappedAtFive(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	categories := []string{"outage", "degradation", "db-issue", "network", "deploy", "quota", "quota"}
	var incidents []*Incident
	for i, cat := range categories {
		incidents = append(incidents, &Incident{
			ID:        string(rune('a' + i)),
			Title:     "x",
			Category:  cat,
			Severity:  alerting.SeverityError,
			Status:    StatusOpen,
			CreatedAt: now,
		})
	}

	a := computeAnalytics(incidents, now)
	require.Len(t, a.TopCauses, 5)
	assert.Equal(t, CauseCount{Category: "quota", Count: 2}, a.TopCauses[0])
}

func TestManagerAnalyticsCountsStatuses(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, ManagerOptions{ActionDelay: time.Hour})

	inc := m.Create(&Incident{Title: "first"})
	m.Create(&Incident{Title: "second"})
	_, err := m.Resolve(inc.ID, "done", "alice")
	require.NoError(t, err)

	a := m.Analytics()
	assert.Equal(t, 2, a.TotalIncidents)
	assert.Equal(t, 1, a.ByStatus[StatusOpen])
	assert.Equal(t, 1, a.ByStatus[StatusResolved])
}
