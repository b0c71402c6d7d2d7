package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/alerting"
)

// ActionItem is one follow-up task on a post-mortem.
type ActionItem struct {
	Description string    `json:"description"`
	Assignee    string    `json:"assignee"`
	DueDate     time.Time `json:"due_date"`
	Status      string    `json:"status"`
}

// PostMortem is the retrospective attached to an incident on resolution.
// It is created once and never modified afterwards.
type PostMortem struct {
	Summary        string       `json:"summary"`
	Timeline       string       `json:"timeline"`
	RootCause      string       `json:"root_cause"`
	Impact         string       `json:"impact"`
	Resolution     string       `json:"resolution"`
	LessonsLearned []string     `json:"lessons_learned"`
	ActionItems    []ActionItem `json:"action_items"`
	CreatedAt      time.Time    `json:"created_at"`
	Author         string       `json:"author"`
}

// GeneratePostMortem synthesizes the retrospective for a resolved
// incident. Callers hold the incident lock; the incident is read only.
func GeneratePostMortem(inc *Incident, now time.Time, author string) *PostMortem {
	return &PostMortem{
		Summary:        fmt.Sprintf("Post-mortem for incident: %s", inc.Title),
		Timeline:       renderTimeline(inc.Timeline),
		RootCause:      rootCauseFor(inc),
		Impact:         impactText(inc.Impact),
		Resolution:     inc.Resolution,
		LessonsLearned: lessonsFor(inc),
		ActionItems: []ActionItem{
			{
				Description: "Review monitoring coverage for earlier detection",
				Assignee:    "sre-team",
				DueDate:     now.Add(7 * 24 * time.Hour),
				Status:      ActionPending,
			},
			{
				Description: "Update the incident runbook with findings",
				Assignee:    "on-call",
				DueDate:     now.Add(3 * 24 * time.Hour),
				Status:      ActionPending,
			},
		},
		CreatedAt: now,
		Author:    author,
	}
}

func renderTimeline(timeline []TimelineEntry) string {
	var b strings.Builder
	for _, entry := range timeline {
		fmt.Fprintf(&b, "%s [%s] %s", entry.Timestamp.Format(time.RFC3339), entry.Type, entry.Message)
		if entry.User != "" {
			fmt.Fprintf(&b, " (%s)", entry.User)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func rootCauseFor(inc *Incident) string {
	if inc.RootCause != "" {
		return inc.RootCause
	}
	switch inc.Category {
	case "infrastructure":
		return "Infrastructure failure: capacity or hardware fault in the serving environment."
	case "deployment":
		return "Deployment regression: a recent release introduced the faulty behavior."
	default:
		return "Root cause analysis in progress."
	}
}

func impactText(impact Impact) string {
	text := fmt.Sprintf("Affected users: %d.", impact.AffectedUsers)
	if impact.BusinessImpact != "" {
		text += " Business impact: " + impact.BusinessImpact + "."
	}
	if impact.SLABreach {
		text += " SLA breached."
	}
	return text
}

func lessonsFor(inc *Incident) []string {
	var lessons []string
	if inc.Severity == alerting.SeverityCritical {
		lessons = append(lessons,
			"Critical incidents need faster initial response; review paging thresholds.",
			"Add automated rollback or failover for this failure mode.")
	}
	for _, action := range inc.Actions {
		if action.Type == ActionInvestigation {
			lessons = append(lessons, "Investigation steps should be captured in the runbook for reuse.")
			break
		}
	}
	lessons = append(lessons, "Review alert thresholds and coverage to catch this class of issue earlier.")
	return lessons
}
