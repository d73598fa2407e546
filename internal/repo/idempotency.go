// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists idempotency records keyed by the
// canonical content hash of an operation descriptor. The records back the
// in-memory idempotency cache so dedup survives process restarts.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

// GetIdempotencyRecord returns a non-expired record or ErrNotFound.
func GetIdempotencyRecord(ctx context.Context, db *gorm.DB, operationID string, now time.Time) (*domain.IdempotencyRecord, error) {
	if strings.TrimSpace(operationID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("operation_id = ? AND expires_at > ?", operationID, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotencyRecord inserts a record and returns ErrDuplicate on a
// primary-key collision (the operation was already marked).
func CreateIdempotencyRecord(ctx context.Context, db *gorm.DB, operationID, result string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	now := time.Now().UTC()
	rec := &domain.IdempotencyRecord{
		OperationID:  operationID,
		AttemptCount: 1,
		Result:       result,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// BumpIdempotencyAttempts counts a repeated delivery against an existing
// record. Missing rows are ignored; attempt accounting is best effort.
func BumpIdempotencyAttempts(ctx context.Context, db *gorm.DB, operationID string) error {
	return db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("operation_id = ?", operationID).
		Update("attempt_count", gorm.Expr("attempt_count + 1")).Error
}

// PurgeExpiredIdempotencyRecords physically removes records whose TTL has
// lapsed. Called from the cache's periodic sweep.
func PurgeExpiredIdempotencyRecords(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

// IdempotencyStore adapts the record helpers to the guardrail cache's
// persistence contract (structural interface; no import needed here).
type IdempotencyStore struct {
	DB  *gorm.DB
	TTL time.Duration
}

// Lookup returns the stored result for a non-expired record.
func (s IdempotencyStore) Lookup(ctx context.Context, operationID string, now time.Time) (string, bool, error) {
	rec, err := GetIdempotencyRecord(ctx, s.DB, operationID, now)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Result, true, nil
}

// Persist writes a record; a concurrent writer winning the insert is fine.
func (s IdempotencyStore) Persist(ctx context.Context, operationID, result string) error {
	_, err := CreateIdempotencyRecord(ctx, s.DB, operationID, result, s.TTL)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// BumpAttempts counts a repeated delivery.
func (s IdempotencyStore) BumpAttempts(ctx context.Context, operationID string) error {
	return BumpIdempotencyAttempts(ctx, s.DB, operationID)
}

// Purge removes expired records.
func (s IdempotencyStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	return PurgeExpiredIdempotencyRecords(ctx, s.DB, now)
}
