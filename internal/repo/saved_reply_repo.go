// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the saved-reply
// corpus that candidate matches resolve to.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

// CreateSavedReply inserts a corpus entry for the owner.
func CreateSavedReply(ctx context.Context, db *gorm.DB, ownerID, category, answer string, active bool) (*domain.SavedReply, error) {
	r := &domain.SavedReply{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Category:  category,
		Answer:    answer,
		Active:    active,
		CreatedAt: time.Now().UTC(),
	}
	return r, db.WithContext(ctx).Create(r).Error
}

// GetSavedReply fetches a corpus entry by ID.
func GetSavedReply(ctx context.Context, db *gorm.DB, id string) (*domain.SavedReply, error) {
	var r domain.SavedReply
	err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListActiveSavedReplies returns the owner's active entries, used to build
// the vector index at startup and after corpus edits.
func ListActiveSavedReplies(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.SavedReply, error) {
	var out []domain.SavedReply
	err := db.WithContext(ctx).
		Where("owner_id = ? AND active = ?", ownerID, true).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// TouchSavedReplyUsage increments the use counter and stamps last use.
// Called whenever an answer was actually sent or stored as a suggestion.
func TouchSavedReplyUsage(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.SavedReply{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"use_count":    gorm.Expr("use_count + 1"),
			"last_used_at": now,
		}).Error
}
