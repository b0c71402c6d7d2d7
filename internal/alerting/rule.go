package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/opsgate/opsgate/internal/conf"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("alert rule not found")

// RuleCondition describes when a rule fires: the metric window is aggregated
// to a scalar and compared against the threshold.
type RuleCondition struct {
	Metric      string        `gorm:"size:100;not null" json:"metric"`
	Operator    string        `gorm:"size:10;not null" json:"operator"`
	Threshold   float64       `gorm:"not null" json:"threshold"`
	Duration    conf.Duration `gorm:"default:0" json:"duration"`
	Aggregation string        `gorm:"size:10;default:''" json:"aggregation"`
}

// AlertRule defines a configurable alerting rule evaluated against the
// metric source on every scheduler tick.
type AlertRule struct {
	ID                 uint          `gorm:"primaryKey" json:"id"`
	Name               string        `gorm:"size:255;not null" json:"name"`
	Description        string        `gorm:"size:1000;default:''" json:"description"`
	Enabled            bool          `gorm:"not null;index" json:"enabled"`
	BuiltIn            bool          `gorm:"not null;default:false" json:"built_in"`
	Severity           string        `gorm:"size:20;not null" json:"severity"`
	Condition          RuleCondition `gorm:"embedded;embeddedPrefix:condition_" json:"condition"`
	Channels           []string      `gorm:"serializer:json" json:"channels"`
	Cooldown           conf.Duration `gorm:"default:0" json:"cooldown"`
	EscalationPolicyID string        `gorm:"size:100;default:''" json:"escalation_policy_id"`
	CreatedAt          time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"autoUpdateTime" json:"updated_at"`

	// Runtime fields owned by the engine, not persisted.
	LastTriggered *time.Time `gorm:"-" json:"last_triggered,omitempty"`
	TriggerCount  int        `gorm:"-" json:"trigger_count"`
}

// TableName returns the table name for GORM.
func (AlertRule) TableName() string {
	return "alert_rules"
}

// RuleFilter controls rule listing queries.
type RuleFilter struct {
	Metric   string
	Severity string
	Enabled  *bool
	BuiltIn  *bool
}

// FiredRecord captures one rule firing for the durable history log.
type FiredRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RuleID    uint      `gorm:"not null;index:idx_fired_rule_at,priority:1" json:"rule_id"`
	AlertID   string    `gorm:"size:64;not null" json:"alert_id"`
	FiredAt   time.Time `gorm:"not null;index:idx_fired_rule_at,priority:2" json:"fired_at"`
	Metric    string    `gorm:"size:100;default:''" json:"metric"`
	Value     float64   `gorm:"default:0" json:"value"`
	Threshold float64   `gorm:"default:0" json:"threshold"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (FiredRecord) TableName() string {
	return "rule_fired_history"
}

// HistoryFilter controls fired-history listing queries.
type HistoryFilter struct {
	RuleID uint
	Limit  int
	Offset int
}

// RuleRepository is the durable catalog of alert rules and fired-rule history.
// The engine caches enabled rules and refreshes the cache after any mutation.
type RuleRepository interface {
	ListRules(ctx context.Context, filter RuleFilter) ([]AlertRule, error)
	GetRule(ctx context.Context, id uint) (*AlertRule, error)
	CreateRule(ctx context.Context, rule *AlertRule) error
	UpdateRule(ctx context.Context, rule *AlertRule) error
	DeleteRule(ctx context.Context, id uint) error
	ToggleRule(ctx context.Context, id uint, enabled bool) error
	GetEnabledRules(ctx context.Context) ([]AlertRule, error)
	CountRulesByName(ctx context.Context, name string) (int64, error)

	SaveFired(ctx context.Context, record *FiredRecord) error
	ListFired(ctx context.Context, filter HistoryFilter) ([]FiredRecord, int64, error)
	DeleteFiredBefore(ctx context.Context, before time.Time) (int64, error)
}
