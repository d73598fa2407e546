// Package services – ReviewService
//
// This file implements the human side of the pipeline: the owner's review
// queue of pending suggestions, decision lookups for individual messages,
// saved-reply corpus management (kept in lockstep with the vector index),
// and device registration for notification delivery.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/match"
	"github.com/tbourn/go-reply-guard/internal/repo"
)

// ReplyIndexer is the index maintenance contract the service uses to keep
// the vector index aligned with the saved-reply corpus. *match.MemoryIndex
// satisfies it.
type ReplyIndexer interface {
	Upsert(e match.Entry) error
	Remove(id string)
}

// ReviewService serves the owner-facing review and configuration surface.
type ReviewService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Embedder produces vectors for newly saved replies.
	Embedder match.Embedder
	// Index receives corpus updates.
	Index ReplyIndexer
}

// NewReviewService constructs a ReviewService.
func NewReviewService(db *gorm.DB, emb match.Embedder, ix ReplyIndexer) *ReviewService {
	return &ReviewService{DB: db, Embedder: emb, Index: ix}
}

// ListPendingSuggestions returns one page of the owner's suggestions
// awaiting review, oldest decision first so the queue drains in order,
// plus the total pending count.
func (s *ReviewService) ListPendingSuggestions(ctx context.Context, ownerID string, page, pageSize int) ([]domain.InboundMessage, int64, error) {
	tr := otel.Tracer("services/ReviewService")
	ctx, span := tr.Start(ctx, "ListPendingSuggestions",
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountPendingSuggestions(ctx, s.DB, ownerID)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListPendingSuggestionsPage(ctx, s.DB, ownerID, offset, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// GetDecision returns the message with its decision metadata, scoped to the
// owner so one owner cannot read another's conversations.
func (s *ReviewService) GetDecision(ctx context.Context, ownerID, messageID string) (*domain.InboundMessage, error) {
	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if msg.OwnerID != ownerID {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// AddSavedReply persists a new corpus entry and indexes it immediately so
// the next query can match against it.
func (s *ReviewService) AddSavedReply(ctx context.Context, ownerID, category, answer string) (*domain.SavedReply, error) {
	tr := otel.Tracer("services/ReviewService")
	ctx, span := tr.Start(ctx, "AddSavedReply",
		trace.WithAttributes(attribute.String("owner.id", ownerID)),
	)
	defer span.End()

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, ErrEmptyContent
	}

	sr, err := repo.CreateSavedReply(ctx, s.DB, ownerID, strings.TrimSpace(category), answer, true)
	if err != nil {
		return nil, err
	}
	if err := s.indexSavedReply(ctx, sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// ReloadIndex rebuilds index entries for every active saved reply of every
// owner present in storage. Called once at startup.
func (s *ReviewService) ReloadIndex(ctx context.Context) (int, error) {
	var rows []domain.SavedReply
	if err := s.DB.WithContext(ctx).
		Where("active = ?", true).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	for i := range rows {
		if err := s.indexSavedReply(ctx, &rows[i]); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

func (s *ReviewService) indexSavedReply(ctx context.Context, sr *domain.SavedReply) error {
	if s.Embedder == nil || s.Index == nil {
		return nil
	}
	vec, err := s.Embedder.Embed(ctx, sr.Answer)
	if err != nil {
		return err
	}
	return s.Index.Upsert(match.Entry{
		ID:       sr.ID,
		OwnerID:  sr.OwnerID,
		Category: sr.Category,
		Answer:   sr.Answer,
		Active:   sr.Active,
		Vector:   vec,
	})
}

// RegisterDevice stores (or reactivates) a push token for the owner.
func (s *ReviewService) RegisterDevice(ctx context.Context, ownerID, provider, token string) (*domain.DeviceToken, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	token = strings.TrimSpace(token)
	if provider == "" || token == "" {
		return nil, ErrEmptyContent
	}
	return repo.RegisterDeviceToken(ctx, s.DB, ownerID, provider, token)
}

// OwnerStats summarizes the automation activity for an owner.
type OwnerStats struct {
	PendingSuggestions int64      `json:"pending_suggestions"`
	AutoReplies        int64      `json:"auto_replies"`
	LastSuggestionAt   *time.Time `json:"last_suggestion_at,omitempty"`
	LastReplyAt        *time.Time `json:"last_reply_at,omitempty"`
}

// Stats aggregates review-queue and reply counts for the owner.
func (s *ReviewService) Stats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	sc, sAt, err := repo.SuggestionStats(ctx, s.DB, ownerID)
	if err != nil {
		return nil, err
	}
	rc, rAt, err := repo.ReplyStats(ctx, s.DB, ownerID)
	if err != nil {
		return nil, err
	}
	return &OwnerStats{
		PendingSuggestions: sc,
		AutoReplies:        rc,
		LastSuggestionAt:   sAt,
		LastReplyAt:        rAt,
	}, nil
}
