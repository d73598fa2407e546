// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the owner's
// push device tokens consumed by the notification boundary.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

// RegisterDeviceToken stores a provider-addressed token for the owner.
// Re-registering an existing (provider, token) pair reactivates it.
func RegisterDeviceToken(ctx context.Context, db *gorm.DB, ownerID, provider, token string) (*domain.DeviceToken, error) {
	tx := db.WithContext(ctx)
	res := tx.Model(&domain.DeviceToken{}).
		Where("provider = ? AND token = ?", provider, token).
		Updates(map[string]any{"owner_id": ownerID, "active": true})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		var t domain.DeviceToken
		err := tx.Where("provider = ? AND token = ?", provider, token).First(&t).Error
		return &t, err
	}
	t := &domain.DeviceToken{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Provider:  provider,
		Token:     token,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	return t, tx.Create(t).Error
}

// ListActiveDeviceTokens returns the owner's active tokens, all providers.
func ListActiveDeviceTokens(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.DeviceToken, error) {
	var out []domain.DeviceToken
	err := db.WithContext(ctx).
		Where("owner_id = ? AND active = ?", ownerID, true).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// DeactivateDeviceTokens marks tokens a provider reported invalid so they are
// skipped on the next send.
func DeactivateDeviceTokens(ctx context.Context, db *gorm.DB, provider string, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Model(&domain.DeviceToken{}).
		Where("provider = ? AND token IN ?", provider, tokens).
		Update("active", false)
	return res.RowsAffected, res.Error
}
