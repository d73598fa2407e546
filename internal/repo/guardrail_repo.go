// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for per-owner
// guardrail configuration. The config is mutated by the owner settings
// surface, which lives outside this service; here it is read-only except for
// the features-disabled flag owned by the Budget Monitor.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

// GetGuardrailConfig returns the owner's config, or ErrNotFound when the
// owner has never been configured. Callers treat ErrNotFound as
// feature-disabled (automation is opt-in).
func GetGuardrailConfig(ctx context.Context, db *gorm.DB, ownerID string) (*domain.GuardrailConfig, error) {
	var cfg domain.GuardrailConfig
	err := db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DisableFeatures sets the features-disabled flag with a reason and
// timestamp. The update is conditional on the flag being clear, so an
// overlapping monitor sweep cannot disable (or alert) twice; the return
// value reports whether this call flipped the flag.
func DisableFeatures(ctx context.Context, db *gorm.DB, ownerID, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.GuardrailConfig{}).
		Where("owner_id = ? AND features_disabled = ?", ownerID, false).
		Updates(map[string]any{
			"features_disabled": true,
			"disabled_reason":   reason,
			"disabled_at":       now,
		})
	return res.RowsAffected == 1, res.Error
}
