package incident

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/alerting"
)

// Analytics is a derived snapshot over the live incident collection. It
// is recomputed on demand and never persisted.
type Analytics struct {
	TotalIncidents    int              `json:"total_incidents"`
	ByCategory        map[string]int   `json:"by_category"`
	BySeverity        map[string]int   `json:"by_severity"`
	ByStatus          map[string]int   `json:"by_status"`
	AverageResolution time.Duration    `json:"average_resolution_ns"` // alias: MTTR
	MTTR              time.Duration    `json:"mttr_ns"`
	MTBF              time.Duration    `json:"mtbf_ns"`
	RecurringIssues   []RecurringIssue `json:"recurring_issues"`
	TopCauses         []CauseCount     `json:"top_causes"`
	SystemHealthScore int              `json:"system_health_score"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// RecurringIssue is a normalized title pattern seen more than twice.
type RecurringIssue struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// CauseCount is one category with its incident count.
type CauseCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Analytics computes the snapshot as of now.
func (m *Manager) Analytics() Analytics {
	return computeAnalytics(m.List(""), m.clock())
}

func computeAnalytics(incidents []*Incident, now time.Time) Analytics {
	a := Analytics{
		TotalIncidents: len(incidents),
		ByCategory:     make(map[string]int),
		BySeverity:     make(map[string]int),
		ByStatus:       make(map[string]int),
		GeneratedAt:    now,
	}

	var resolutionTotal time.Duration
	var resolvedTimes []time.Time
	titleCounts := make(map[string]int)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	var recentTotal, recentCritical int

	for _, inc := range incidents {
		if inc.Category != "" {
			a.ByCategory[inc.Category]++
		}
		a.BySeverity[inc.Severity]++
		a.ByStatus[inc.Status]++
		titleCounts[normalizeTitle(inc.Title)]++

		if inc.ResolvedAt != nil {
			resolutionTotal += inc.ResolvedAt.Sub(inc.CreatedAt)
			resolvedTimes = append(resolvedTimes, *inc.ResolvedAt)
		}
		if inc.CreatedAt.After(weekAgo) {
			recentTotal++
			if inc.Severity == alerting.SeverityCritical {
				recentCritical++
			}
		}
	}

	if len(resolvedTimes) > 0 {
		a.AverageResolution = resolutionTotal / time.Duration(len(resolvedTimes))
		a.MTTR = a.AverageResolution
	}
	if len(resolvedTimes) >= 2 {
		sort.Slice(resolvedTimes, func(i, j int) bool { return resolvedTimes[i].Before(resolvedTimes[j]) })
		var gaps time.Duration
		for i := 1; i < len(resolvedTimes); i++ {
			gaps += resolvedTimes[i].Sub(resolvedTimes[i-1])
		}
		a.MTBF = gaps / time.Duration(len(resolvedTimes)-1)
	}

	for pattern, count := range titleCounts {
		if count > 2 {
			a.RecurringIssues = append(a.RecurringIssues, RecurringIssue{Pattern: pattern, Count: count})
		}
	}
	sort.Slice(a.RecurringIssues, func(i, j int) bool {
		if a.RecurringIssues[i].Count == a.RecurringIssues[j].Count {
			return a.RecurringIssues[i].Pattern < a.RecurringIssues[j].Pattern
		}
		return a.RecurringIssues[i].Count > a.RecurringIssues[j].Count
	})

	for category, count := range a.ByCategory {
		a.TopCauses = append(a.TopCauses, CauseCount{Category: category, Count: count})
	}
	sort.Slice(a.TopCauses, func(i, j int) bool {
		if a.TopCauses[i].Count == a.TopCauses[j].Count {
			return a.TopCauses[i].Category < a.TopCauses[j].Category
		}
		return a.TopCauses[i].Count > a.TopCauses[j].Count
	})
	if len(a.TopCauses) > 5 {
		a.TopCauses = a.TopCauses[:5]
	}

	score := 100 - recentCritical*10 - recentTotal*2
	if score < 0 {
		score = 0
	}
	a.SystemHealthScore = score
	return a
}

var (
	digitRun   = regexp.MustCompile(`\d+`)
	systemNoun = regexp.MustCompile(`\b(api|database|db|server|service|cache|disk|node|host|queue)\b`)
)

// normalizeTitle collapses titles that differ only in numbers or the
// named system so recurring patterns group together.
func normalizeTitle(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = digitRun.ReplaceAllString(s, "<n>")
	s = systemNoun.ReplaceAllString(s, "<system>")
	return strings.Join(strings.Fields(s), " ")
}
