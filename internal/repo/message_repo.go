// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for inbound
// messages, their decision metadata, and persisted replies.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

// ErrDuplicate indicates a unique-index violation, e.g. a second reply for
// the same source message.
var ErrDuplicate = errors.New("duplicate")

// GetMessage fetches an inbound message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.InboundMessage, error) {
	var m domain.InboundMessage
	err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMessage records an inbound message if it is not already known and
// returns the stored row. Redelivered events resolve to the existing row,
// decision metadata included.
func UpsertMessage(ctx context.Context, db *gorm.DB, m *domain.InboundMessage) (*domain.InboundMessage, error) {
	var out domain.InboundMessage
	err := db.WithContext(ctx).
		Where(&domain.InboundMessage{ID: m.ID}).
		Attrs(m).
		FirstOrCreate(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateReply inserts an owner-authored reply with provenance metadata.
// A second reply for the same source message violates ux_reply_source and
// surfaces as ErrDuplicate.
func CreateReply(ctx context.Context, db *gorm.DB, ownerID, conversationID, messageID, content, matchID string, confidence float64) (*domain.Reply, error) {
	r := &domain.Reply{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
		MatchID:        matchID,
		Confidence:     confidence,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// MarkAutoReplied writes auto-reply decision metadata on the source message.
func MarkAutoReplied(ctx context.Context, db *gorm.DB, messageID, matchID string, score float64, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.InboundMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"decision_outcome": domain.OutcomeAutoReply,
			"decision_score":   score,
			"match_id":         matchID,
			"decided_at":       now,
		}).Error
}

// MarkSuggested stores a candidate answer on the message and flags it for
// human review.
func MarkSuggested(ctx context.Context, db *gorm.DB, messageID, matchID, answer string, score float64, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.InboundMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"decision_outcome": domain.OutcomeSuggestion,
			"decision_score":   score,
			"match_id":         matchID,
			"suggested_reply":  answer,
			"pending_review":   true,
			"decided_at":       now,
		}).Error
}

// MarkEscalated flags the message for manual review with a reason.
func MarkEscalated(ctx context.Context, db *gorm.DB, messageID, reason string, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.InboundMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"decision_outcome":  domain.OutcomeEscalated,
			"escalation_reason": reason,
			"decided_at":        now,
		}).Error
}

// MarkNoAction records the minimal classification metadata only.
func MarkNoAction(ctx context.Context, db *gorm.DB, messageID, reason string, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.InboundMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"decision_outcome":  domain.OutcomeNone,
			"escalation_reason": reason,
			"decided_at":        now,
		}).Error
}

// CountAutoRepliesSince returns how many auto replies were persisted for the
// owner at or after the given instant. The Decision Engine passes the start
// of the current UTC day to enforce maxAutoActionsPerDay.
func CountAutoRepliesSince(ctx context.Context, db *gorm.DB, ownerID string, since time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Reply{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since).
		Count(&total).Error
	return total, err
}

// ListPendingSuggestionsPage returns a page of messages awaiting suggestion
// review for an owner, oldest first for a stable review queue.
func ListPendingSuggestionsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.InboundMessage, error) {
	var out []domain.InboundMessage
	err := db.WithContext(ctx).
		Where("owner_id = ? AND pending_review = ?", ownerID, true).
		Order("decided_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountPendingSuggestions returns the total review backlog for an owner.
func CountPendingSuggestions(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.InboundMessage{}).
		Where("owner_id = ? AND pending_review = ?", ownerID, true).
		Count(&total).Error
	return total, err
}
