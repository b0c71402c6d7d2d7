package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/opsgate/opsgate/internal/alerting"
)

// ruleRepository is the GORM-backed alerting.RuleRepository.
type ruleRepository struct {
	db *gorm.DB
}

// NewRuleRepository creates a rule repository over the given database.
func NewRuleRepository(db *gorm.DB) alerting.RuleRepository {
	return &ruleRepository{db: db}
}

// ListRules returns alert rules matching the given filter, id ascending.
func (r *ruleRepository) ListRules(ctx context.Context, filter alerting.RuleFilter) ([]alerting.AlertRule, error) {
	var rules []alerting.AlertRule
	query := r.db.WithContext(ctx)

	if filter.Metric != "" {
		query = query.Where("condition_metric = ?", filter.Metric)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}
	if filter.BuiltIn != nil {
		query = query.Where("built_in = ?", *filter.BuiltIn)
	}

	if err := query.Order("id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	return rules, nil
}

// GetRule returns a single alert rule by ID.
func (r *ruleRepository) GetRule(ctx context.Context, id uint) (*alerting.AlertRule, error) {
	var rule alerting.AlertRule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, alerting.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get alert rule %d: %w", id, err)
	}
	return &rule, nil
}

// CreateRule creates a new alert rule.
func (r *ruleRepository) CreateRule(ctx context.Context, rule *alerting.AlertRule) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create alert rule: %w", err)
	}
	return nil
}

// UpdateRule replaces an alert rule.
func (r *ruleRepository) UpdateRule(ctx context.Context, rule *alerting.AlertRule) error {
	if rule.ID == 0 {
		return fmt.Errorf("failed to update alert rule: missing rule ID")
	}
	result := r.db.WithContext(ctx).Save(rule)
	if result.Error != nil {
		return fmt.Errorf("failed to update alert rule %d: %w", rule.ID, result.Error)
	}
	return nil
}

// DeleteRule deletes an alert rule.
func (r *ruleRepository) DeleteRule(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&alerting.AlertRule{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete alert rule %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return alerting.ErrRuleNotFound
	}
	return nil
}

// ToggleRule enables or disables an alert rule.
func (r *ruleRepository) ToggleRule(ctx context.Context, id uint, enabled bool) error {
	result := r.db.WithContext(ctx).Model(&alerting.AlertRule{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("failed to toggle alert rule %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return alerting.ErrRuleNotFound
	}
	return nil
}

// GetEnabledRules returns all enabled alert rules.
func (r *ruleRepository) GetEnabledRules(ctx context.Context) ([]alerting.AlertRule, error) {
	enabled := true
	return r.ListRules(ctx, alerting.RuleFilter{Enabled: &enabled})
}

// CountRulesByName returns the number of rules with the given name.
func (r *ruleRepository) CountRulesByName(ctx context.Context, name string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&alerting.AlertRule{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count rules by name: %w", err)
	}
	return count, nil
}

// SaveFired saves one rule firing record.
func (r *ruleRepository) SaveFired(ctx context.Context, record *alerting.FiredRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to save fired record: %w", err)
	}
	return nil
}

// ListFired returns fired-history entries matching the filter with
// pagination, newest first.
func (r *ruleRepository) ListFired(ctx context.Context, filter alerting.HistoryFilter) ([]alerting.FiredRecord, int64, error) {
	var items []alerting.FiredRecord
	var total int64

	countQuery := r.db.WithContext(ctx).Model(&alerting.FiredRecord{})
	if filter.RuleID > 0 {
		countQuery = countQuery.Where("rule_id = ?", filter.RuleID)
	}
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count fired records: %w", err)
	}

	query := r.db.WithContext(ctx).Order("fired_at DESC")
	if filter.RuleID > 0 {
		query = query.Where("rule_id = ?", filter.RuleID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list fired records: %w", err)
	}
	return items, total, nil
}

// DeleteFiredBefore deletes fired-history entries older than the given time.
func (r *ruleRepository) DeleteFiredBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("fired_at < ?", before).Delete(&alerting.FiredRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete fired records before %v: %w", before, result.Error)
	}
	return result.RowsAffected, nil
}
