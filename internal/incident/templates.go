package incident

import (
	"strings"

	"github.com/opsgate/opsgate/internal/alerting"
)

// Template is a static catalog entry applied to new incidents whose
// title contains one of its keywords.
type Template struct {
	ID                 string   `json:"id"`
	Keywords           []string `json:"keywords"`
	Category           string   `json:"category"`
	Severity           string   `json:"severity"`
	Impact             Impact   `json:"impact"`
	AutoActions        []Action `json:"auto_actions"`
	InvestigationSteps []string `json:"investigation_steps"`
}

// Templates returns the built-in template catalog. Order matters: the
// first template with a keyword contained in the title wins.
func Templates() []Template {
	return []Template{
		{
			ID:       "outage",
			Keywords: []string{"api", "service"},
			Category: "outage",
			Severity: alerting.SeverityCritical,
			Impact: Impact{
				Scope:          "service-wide",
				BusinessImpact: "Users cannot reach the service",
				SLABreach:      true,
			},
			AutoActions: []Action{
				{Type: ActionInvestigation, Description: "Check service health endpoints and recent deploys", Assignee: SystemAssignee},
				{Type: ActionCommunication, Description: "Post outage notice to the status channel", Assignee: SystemAssignee},
			},
			InvestigationSteps: []string{
				"Verify load balancer and upstream health",
				"Check the last deployment and roll back if recent",
				"Inspect error rates per endpoint",
			},
		},
		{
			ID:       "degradation",
			Keywords: []string{"performance", "slow"},
			Category: "degradation",
			Severity: alerting.SeverityError,
			Impact: Impact{
				Scope:          "partial",
				BusinessImpact: "Degraded response times",
			},
			AutoActions: []Action{
				{Type: ActionInvestigation, Description: "Profile slow endpoints and check resource saturation", Assignee: SystemAssignee},
			},
			InvestigationSteps: []string{
				"Compare latency percentiles against baseline",
				"Check CPU, memory and I/O saturation",
			},
		},
		{
			ID:       "db-issue",
			Keywords: []string{"database", "db"},
			Category: "db-issue",
			Severity: alerting.SeverityError,
			Impact: Impact{
				Scope:          "data-layer",
				BusinessImpact: "Queries failing or slow",
			},
			AutoActions: []Action{
				{Type: ActionInvestigation, Description: "Check database connections, locks and replication lag", Assignee: SystemAssignee},
				{Type: ActionMitigation, Description: "Fail over to replica if the primary is unhealthy", Assignee: ""},
			},
			InvestigationSteps: []string{
				"Inspect connection pool utilization",
				"Check slow query log and lock waits",
				"Verify replication status",
			},
		},
	}
}

// MatchTemplate returns the first template whose keyword appears in the
// title, or nil.
func MatchTemplate(title string) *Template {
	lower := strings.ToLower(title)
	templates := Templates()
	for i := range templates {
		for _, kw := range templates[i].Keywords {
			if strings.Contains(lower, kw) {
				return &templates[i]
			}
		}
	}
	return nil
}

// apply overwrites category, impact and severity from the template and
// returns cloned auto-actions ready to append.
func (t *Template) apply(inc *Incident) []Action {
	inc.Category = t.Category
	inc.Impact = t.Impact
	inc.Severity = t.Severity
	actions := make([]Action, len(t.AutoActions))
	copy(actions, t.AutoActions)
	return actions
}
