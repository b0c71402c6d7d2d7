package datastore

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/opsgate/opsgate/internal/alerting"
)

// policyRepository is the GORM-backed alerting.PolicyRepository.
type policyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates an escalation policy repository over the
// given database.
func NewPolicyRepository(db *gorm.DB) alerting.PolicyRepository {
	return &policyRepository{db: db}
}

// ListPolicies returns all stored escalation policies, id ascending.
func (r *policyRepository) ListPolicies(ctx context.Context) ([]alerting.EscalationPolicy, error) {
	var policies []alerting.EscalationPolicy
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("failed to list escalation policies: %w", err)
	}
	return policies, nil
}

// SavePolicy inserts or replaces an escalation policy by ID.
func (r *policyRepository) SavePolicy(ctx context.Context, policy *alerting.EscalationPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("failed to save escalation policy: missing policy ID")
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(policy).Error
	if err != nil {
		return fmt.Errorf("failed to save escalation policy %s: %w", policy.ID, err)
	}
	return nil
}

// DeletePolicy deletes an escalation policy. Deleting an unknown ID is
// not an error.
func (r *policyRepository) DeletePolicy(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&alerting.EscalationPolicy{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete escalation policy %s: %w", id, err)
	}
	return nil
}
