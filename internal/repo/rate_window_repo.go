// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the persistent sliding-window counters
// behind the rate limiter. Mutations are expressed as single conditional
// UPDATE/INSERT statements so that concurrent increments for the same
// (owner, operation, window) can never lose updates or observe a partially
// reset window.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

// GetRateWindow returns the counter row for (owner, kind, window), or
// ErrNotFound when no window has been opened yet.
func GetRateWindow(ctx context.Context, db *gorm.DB, ownerID, operationKind, windowKind string) (*domain.RateWindow, error) {
	var w domain.RateWindow
	err := db.WithContext(ctx).
		Where("owner_id = ? AND operation_kind = ? AND window_kind = ?", ownerID, operationKind, windowKind).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// IncrementRateWindow bumps the counter for the window starting at
// windowStart, resetting it first when the stored window is stale. The
// returned count is the post-increment value for the current window.
//
// The sequence is: in-window increment, stale-window reset to 1, then insert
// for a first use; each step is one atomic statement and the fallthroughs
// cover races with concurrent callers.
func IncrementRateWindow(ctx context.Context, db *gorm.DB, ownerID, operationKind, windowKind string, windowStart time.Time) (int64, error) {
	tx := db.WithContext(ctx)

	for attempt := 0; attempt < 2; attempt++ {
		// Common case: the row exists for the current window.
		res := tx.Model(&domain.RateWindow{}).
			Where("owner_id = ? AND operation_kind = ? AND window_kind = ? AND window_start = ?",
				ownerID, operationKind, windowKind, windowStart).
			Update("count", gorm.Expr("count + 1"))
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 1 {
			return currentCount(ctx, tx, ownerID, operationKind, windowKind, windowStart)
		}

		// Stale window: reset atomically with the new window start.
		res = tx.Model(&domain.RateWindow{}).
			Where("owner_id = ? AND operation_kind = ? AND window_kind = ? AND window_start < ?",
				ownerID, operationKind, windowKind, windowStart).
			Updates(map[string]any{
				"count":        1,
				"window_start": windowStart,
				"warning_sent": false,
			})
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 1 {
			return 1, nil
		}

		// First use ever for this tuple.
		err := tx.Create(&domain.RateWindow{
			OwnerID:       ownerID,
			OperationKind: operationKind,
			WindowKind:    windowKind,
			Count:         1,
			WindowStart:   windowStart,
		}).Error
		if err == nil {
			return 1, nil
		}
		// Lost the insert race: another caller created the row. Loop once
		// and take the in-window increment path.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			continue
		}
		return 0, err
	}
	return 0, errors.New("rate window increment: retries exhausted")
}

// MarkWindowWarningSent flips the one-shot warning flag when the count has
// crossed the given threshold within the current window. It reports whether
// this call won the flip, i.e. whether the caller should emit the warning.
func MarkWindowWarningSent(ctx context.Context, db *gorm.DB, ownerID, operationKind, windowKind string, windowStart time.Time, threshold int64) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.RateWindow{}).
		Where("owner_id = ? AND operation_kind = ? AND window_kind = ? AND window_start = ? AND warning_sent = ? AND count >= ?",
			ownerID, operationKind, windowKind, windowStart, false, threshold).
		Update("warning_sent", true)
	return res.RowsAffected == 1, res.Error
}

// currentCount re-reads the post-increment count for the current window.
func currentCount(ctx context.Context, db *gorm.DB, ownerID, operationKind, windowKind string, windowStart time.Time) (int64, error) {
	var w domain.RateWindow
	err := db.WithContext(ctx).
		Where("owner_id = ? AND operation_kind = ? AND window_kind = ? AND window_start = ?",
			ownerID, operationKind, windowKind, windowStart).
		First(&w).Error
	if err != nil {
		return 0, err
	}
	return w.Count, nil
}
