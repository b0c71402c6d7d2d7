package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/alerting"
)

func basePostMortemIncident() *Incident {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Incident{
		ID:         "inc-1",
		Title:      "Mystery problem",
		Severity:   alerting.SeverityError,
		Status:     StatusResolved,
		Resolution: "restarted the service",
		Impact:     Impact{AffectedUsers: 120, BusinessImpact: "checkout degraded"},
		CreatedAt:  now.Add(-time.Hour),
		Timeline: []TimelineEntry{
			{Timestamp: now.Add(-time.Hour), Type: "created", Message: "Incident created", User: "alice"},
			{Timestamp: now, Type: "resolved", Message: "Incident resolved"},
		},
	}
}

func TestPostMortemAlwaysHasTwoActionItems(t *testing.T) {
	t.Parallel()
	now := time.Now()
	pm := GeneratePostMortem(basePostMortemIncident(), now, "alice")

	require.Len(t, pm.ActionItems, 2)
	assert.Equal(t, now.Add(7*24*time.Hour), pm.ActionItems[0].DueDate)
	assert.Equal(t, now.Add(3*24*time.Hour), pm.ActionItems[1].DueDate)
	for _, item := range pm.ActionItems {
		assert.Equal(t, ActionPending, item.Status)
		assert.NotEmpty(t, item.Assignee)
	}
}

func TestPostMortemLessonRules(t *testing.T) {
	t.Parallel()

	t.Run("baseline has one generic lesson", func(t *testing.T) {
		t.Parallel()
		pm := GeneratePostMortem(basePostMortemIncident(), time.Now(), "alice")
		assert.Len(t, pm.LessonsLearned, 1)
	})

	t.Run("critical severity adds two lessons", func(t *testing.T) {
		t.Parallel()
		inc := basePostMortemIncident()
		inc.Severity = alerting.SeverityCritical
		pm := GeneratePostMortem(inc, time.Now(), "alice")
		assert.Len(t, pm.LessonsLearned, 3)
	})

	t.Run("investigation action adds one lesson", func(t *testing.T) {
		t.Parallel()
		inc := basePostMortemIncident()
		inc.Actions = []Action{
			{ID: "a1", Type: ActionInvestigation, Status: ActionCompleted},
			{ID: "a2", Type: ActionInvestigation, Status: ActionCompleted}, // counted once
		}
		pm := GeneratePostMortem(inc, time.Now(), "alice")
		assert.Len(t, pm.LessonsLearned, 2)
	})

	t.Run("critical with investigation has all four", func(t *testing.T) {
		t.Parallel()
		inc := basePostMortemIncident()
		inc.Severity = alerting.SeverityCritical
		inc.Actions = []Action{{ID: "a1", Type: ActionInvestigation, Status: ActionCompleted}}
		pm := GeneratePostMortem(inc, time.Now(), "alice")
		assert.Len(t, pm.LessonsLearned, 4)
	})
}

func TestPostMortemRootCauseHeuristic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		category string
		explicit string
		want     string
	}{
		{"infrastructure", "", "Infrastructure failure"},
		{"deployment", "", "Deployment regression"},
		{"outage", "", "in progress"},
		{"", "", "in progress"},
		{"outage", "fat-fingered config", "fat-fingered config"},
	}

	for _, tt := range tests {
		inc := basePostMortemIncident()
		inc.Category = tt.category
		inc.RootCause = tt.explicit
		pm := GeneratePostMortem(inc, time.Now(), "alice")
		assert.Contains(t, pm.RootCause, tt.want, tt.category)
	}
}

func TestPostMortemContent(t *testing.T) {
	t.Parallel()
	pm := GeneratePostMortem(basePostMortemIncident(), time.Now(), "alice")

	assert.Equal(t, "Post-mortem for incident: Mystery problem", pm.Summary)
	assert.Equal(t, "restarted the service", pm.Resolution)
	assert.Contains(t, pm.Impact, "120")
	assert.Contains(t, pm.Impact, "checkout degraded")
	assert.Contains(t, pm.Timeline, "Incident created")
	assert.Contains(t, pm.Timeline, "(alice)")
	assert.Equal(t, "alice", pm.Author)
}
