// Package domain defines the core persistence models for the application.
// This file holds the guardrail state shared by the Decision Engine, the
// Rate Limiter, and the Budget Monitor: per-owner configuration, persistent
// window counters, cost-usage records, and idempotency records.
package domain

import "time"

// Window kinds for RateWindow rows.
const (
	WindowHourly = "hourly"
	WindowDaily  = "daily"
)

// GuardrailConfig is the per-owner configuration consulted before any
// automated action. The owner settings surface mutates the first four fields;
// the FeaturesDisabled block is owned by the Budget Monitor and is monotonic
// within a day (clearing it is a day-rollover concern outside this service).
type GuardrailConfig struct {
	OwnerID                      string  `json:"owner_id"                       gorm:"type:varchar(64);primaryKey"`
	FeatureEnabled               bool    `json:"feature_enabled"                gorm:"not null;default:false"`
	RequireApproval              bool    `json:"require_approval"               gorm:"not null;default:true"`
	MaxAutoActionsPerDay         int     `json:"max_auto_actions_per_day"       gorm:"not null;default:50"`
	EscalationSentimentThreshold float64 `json:"escalation_sentiment_threshold" gorm:"not null;default:-0.4"`

	FeaturesDisabled bool       `json:"features_disabled" gorm:"not null;default:false"`
	DisabledReason   string     `json:"disabled_reason,omitempty" gorm:"type:varchar(128)"`
	DisabledAt       *time.Time `json:"disabled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (GuardrailConfig) TableName() string { return "guardrail_configs" }

// RateWindow is one persistent sliding-window counter, keyed by
// (owner_id, operation_kind, window_kind). Count only increases within a
// window; crossing the window boundary resets it to 1 atomically with the
// new WindowStart. WarningSent makes the 80% warning one-shot per window.
type RateWindow struct {
	ID            uint      `gorm:"primaryKey"`
	OwnerID       string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_owner_op_window,priority:1"`
	OperationKind string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_owner_op_window,priority:2"`
	WindowKind    string    `gorm:"type:varchar(8);not null;uniqueIndex:ux_owner_op_window,priority:3;check:window_kind IN ('hourly','daily')"`
	Count         int64     `gorm:"not null;default:0"`
	WindowStart   time.Time `gorm:"not null"`
	WarningSent   bool      `gorm:"not null;default:false"`
	UpdatedAt     time.Time
}

// TableName implements the GORM tabler interface.
func (RateWindow) TableName() string { return "rate_windows" }

// CostUsage accumulates an owner's billed cost for one day period
// (PeriodID is the UTC day, e.g. "2025-11-03"). Billed operations mutate
// TotalCostCents additively; the Budget Monitor only ever flips AlertSent and
// Exceeded, and never resets them.
type CostUsage struct {
	ID               uint   `gorm:"primaryKey"`
	OwnerID          string `gorm:"type:varchar(64);not null;uniqueIndex:ux_owner_period,priority:1"`
	PeriodID         string `gorm:"type:varchar(10);not null;uniqueIndex:ux_owner_period,priority:2"`
	TotalCostCents   int64  `gorm:"not null;default:0"`
	BudgetLimitCents int64  `gorm:"not null"`
	AlertSent        bool   `gorm:"not null;default:false"`
	Exceeded         bool   `gorm:"not null;default:false"`
	UpdatedAt        time.Time
}

// TableName implements the GORM tabler interface.
func (CostUsage) TableName() string { return "cost_usages" }

// UsedPercent reports consumed budget as a percentage of the limit.
// A zero or negative limit means no meaningful budget; treated as 0%.
func (c CostUsage) UsedPercent() float64 {
	if c.BudgetLimitCents <= 0 {
		return 0
	}
	return float64(c.TotalCostCents) * 100 / float64(c.BudgetLimitCents)
}

// IdempotencyRecord persists a processed-operation marker keyed by the
// canonical content hash of its descriptor. It backs the in-memory
// idempotency cache across restarts; entries past ExpiresAt are logically
// absent even before they are physically removed.
type IdempotencyRecord struct {
	OperationID  string    `gorm:"type:char(64);primaryKey"`
	AttemptCount int       `gorm:"not null;default:1"`
	Result       string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
