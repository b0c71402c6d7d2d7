package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/opsgate/opsgate/internal/conf"
)

// DefaultRules returns the built-in rule catalog. These are seeded on
// first start and can be edited or disabled, but a reset restores them.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			Name:        "High CPU usage",
			Description: "CPU usage averaged over 5 minutes exceeds 85%",
			Enabled:     true,
			BuiltIn:     true,
			Severity:    SeverityWarning,
			Condition: RuleCondition{
				Metric:      "cpu_usage",
				Operator:    OperatorGreaterThan,
				Threshold:   85,
				Duration:    conf.Duration(5 * time.Minute),
				Aggregation: AggregationAvg,
			},
			Cooldown: conf.Duration(10 * time.Minute),
		},
		{
			Name:        "High memory usage",
			Description: "Memory usage exceeds 90%",
			Enabled:     true,
			BuiltIn:     true,
			Severity:    SeverityError,
			Condition: RuleCondition{
				Metric:      "memory_usage",
				Operator:    OperatorGreaterThan,
				Threshold:   90,
				Duration:    conf.Duration(5 * time.Minute),
				Aggregation: AggregationAvg,
			},
			Cooldown: conf.Duration(10 * time.Minute),
		},
		{
			Name:        "Disk almost full",
			Description: "Disk usage exceeds 90%",
			Enabled:     true,
			BuiltIn:     true,
			Severity:    SeverityCritical,
			Condition: RuleCondition{
				Metric:      "disk_usage",
				Operator:    OperatorGreaterThan,
				Threshold:   90,
				Duration:    conf.Duration(15 * time.Minute),
				Aggregation: AggregationMax,
			},
			Cooldown: conf.Duration(30 * time.Minute),
		},
		{
			Name:        "Elevated error rate",
			Description: "More than 10 errors per evaluation window",
			Enabled:     true,
			BuiltIn:     true,
			Severity:    SeverityError,
			Condition: RuleCondition{
				Metric:      "error_count",
				Operator:    OperatorGreaterThan,
				Threshold:   10,
				Duration:    conf.Duration(5 * time.Minute),
				Aggregation: AggregationSum,
			},
			Cooldown: conf.Duration(5 * time.Minute),
		},
	}
}

// SeedDefaults creates any built-in rule that is not already present,
// matching by name. Existing rules, including edited copies of built-in
// ones, are left alone.
func SeedDefaults(ctx context.Context, repo RuleRepository) (created int, err error) {
	for _, rule := range DefaultRules() {
		n, err := repo.CountRulesByName(ctx, rule.Name)
		if err != nil {
			return created, fmt.Errorf("checking for rule %q: %w", rule.Name, err)
		}
		if n > 0 {
			continue
		}
		rule := rule
		if err := repo.CreateRule(ctx, &rule); err != nil {
			return created, fmt.Errorf("creating rule %q: %w", rule.Name, err)
		}
		created++
	}
	return created, nil
}

// ResetDefaults deletes built-in rules and recreates them from the
// catalog. User-created rules are untouched.
func ResetDefaults(ctx context.Context, repo RuleRepository) error {
	existing, err := repo.ListRules(ctx, RuleFilter{})
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	for i := range existing {
		if !existing[i].BuiltIn {
			continue
		}
		if err := repo.DeleteRule(ctx, existing[i].ID); err != nil {
			return fmt.Errorf("deleting rule %d: %w", existing[i].ID, err)
		}
	}
	if _, err := SeedDefaults(ctx, repo); err != nil {
		return err
	}
	return nil
}
