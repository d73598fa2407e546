// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for per-owner,
// per-day cost usage. Billed operations add cost; the Budget Monitor flips
// the alert/exceeded flags, each via conditional updates so the flags stay
// monotonic and one-shot within a period.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

// AddCost accumulates cost for (owner, period), creating the record with the
// given budget limit on first use in the period.
func AddCost(ctx context.Context, db *gorm.DB, ownerID, periodID string, costCents, budgetLimitCents int64) error {
	tx := db.WithContext(ctx)
	res := tx.Model(&domain.CostUsage{}).
		Where("owner_id = ? AND period_id = ?", ownerID, periodID).
		Update("total_cost_cents", gorm.Expr("total_cost_cents + ?", costCents))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	err := tx.Create(&domain.CostUsage{
		OwnerID:          ownerID,
		PeriodID:         periodID,
		TotalCostCents:   costCents,
		BudgetLimitCents: budgetLimitCents,
	}).Error
	if err == nil {
		return nil
	}
	low := strings.ToLower(err.Error())
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") {
		// Lost the insert race; the additive update now has a row to hit.
		return tx.Model(&domain.CostUsage{}).
			Where("owner_id = ? AND period_id = ?", ownerID, periodID).
			Update("total_cost_cents", gorm.Expr("total_cost_cents + ?", costCents)).Error
	}
	return err
}

// ListCostUsage returns every owner's usage record for the given period.
func ListCostUsage(ctx context.Context, db *gorm.DB, periodID string) ([]domain.CostUsage, error) {
	var out []domain.CostUsage
	err := db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("owner_id ASC").
		Find(&out).Error
	return out, err
}

// MarkCostAlertSent flips the one-shot threshold-alert flag. It reports
// whether this call won the flip, so repeated sweeps in the same period
// alert exactly once.
func MarkCostAlertSent(ctx context.Context, db *gorm.DB, ownerID, periodID string) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.CostUsage{}).
		Where("owner_id = ? AND period_id = ? AND alert_sent = ?", ownerID, periodID, false).
		Update("alert_sent", true)
	return res.RowsAffected == 1, res.Error
}

// MarkCostExceeded flips the monotonic exceeded flag, reporting whether this
// call performed the transition.
func MarkCostExceeded(ctx context.Context, db *gorm.DB, ownerID, periodID string) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.CostUsage{}).
		Where("owner_id = ? AND period_id = ? AND exceeded = ?", ownerID, periodID, false).
		Update("exceeded", true)
	return res.RowsAffected == 1, res.Error
}

// DayPeriodID renders the canonical period identifier for a UTC day.
func DayPeriodID(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
