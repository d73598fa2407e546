// Package services – ActionExecutor
//
// This file applies a terminal decision: it persists the side effects
// (reply row, decision metadata, saved-reply usage) atomically, counts
// performed operations against the rate windows, and accrues their cost to
// the owner's daily usage record. The decision metadata write doubles as the
// per-message duplicate guard, so applying the same decision twice has no
// additional effect.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/ratelimit"
	"github.com/tbourn/go-reply-guard/internal/repo"
)

// Billing prices the performed operations in cents. Costs accrue additively
// to the owner's current-day usage record, the same rows the Budget Monitor
// sweeps; DailyBudgetCents is stamped on the record when the first billed
// operation of the period creates it. A zero cost means the operation is
// free and writes nothing.
type Billing struct {
	AutoReplyCostCents  int64
	SuggestionCostCents int64
	DailyBudgetCents    int64
}

// ActionExecutor turns decisions into persisted actions.
type ActionExecutor struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Limiter records performed operations against the rate windows.
	Limiter ActionLimiter
	// Billing prices auto replies and suggestions.
	Billing Billing

	now func() time.Time
}

// NewActionExecutor constructs an ActionExecutor.
func NewActionExecutor(db *gorm.DB, l ActionLimiter) *ActionExecutor {
	return &ActionExecutor{DB: db, Limiter: l, now: time.Now}
}

// Apply executes the side effects of d for msg. It is a no-op for a message
// that already carries a decision.
func (e *ActionExecutor) Apply(ctx context.Context, msg *domain.InboundMessage, d Decision) error {
	tr := otel.Tracer("services/ActionExecutor")
	ctx, span := tr.Start(ctx, "Apply",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("decision.outcome", d.Outcome),
		),
	)
	defer span.End()

	switch d.Outcome {
	case domain.OutcomeAutoReply:
		return e.applyAutoReply(ctx, msg, d)
	case domain.OutcomeSuggestion:
		return e.applySuggestion(ctx, msg, d)
	case domain.OutcomeEscalated:
		return repo.MarkEscalated(ctx, e.DB, msg.ID, d.Reason, e.now().UTC())
	case domain.OutcomeNone:
		return repo.MarkNoAction(ctx, e.DB, msg.ID, d.Reason, e.now().UTC())
	default:
		return ErrUnknownOutcome
	}
}

func (e *ActionExecutor) applyAutoReply(ctx context.Context, msg *domain.InboundMessage, d Decision) error {
	now := e.now().UTC()
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.CreateReply(ctx, tx, msg.OwnerID, msg.ConversationID, msg.ID, d.Answer, d.MatchID, d.Score); err != nil {
			return err
		}
		if err := repo.MarkAutoReplied(ctx, tx, msg.ID, d.MatchID, d.Score, now); err != nil {
			return err
		}
		return repo.TouchSavedReplyUsage(ctx, tx, d.MatchID, now)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// A reply for this (message, match, confidence) already exists;
		// another delivery of the same event got here first.
		log.Debug().Str("message_id", msg.ID).Msg("auto reply already persisted")
		return nil
	}
	if err != nil {
		return err
	}
	e.bill(ctx, msg.OwnerID, e.Billing.AutoReplyCostCents)
	return e.count(ctx, msg.OwnerID, ratelimit.KindAutoReply)
}

func (e *ActionExecutor) applySuggestion(ctx context.Context, msg *domain.InboundMessage, d Decision) error {
	now := e.now().UTC()
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.MarkSuggested(ctx, tx, msg.ID, d.MatchID, d.Answer, d.Score, now); err != nil {
			return err
		}
		return repo.TouchSavedReplyUsage(ctx, tx, d.MatchID, now)
	})
	if err != nil {
		return err
	}
	e.bill(ctx, msg.OwnerID, e.Billing.SuggestionCostCents)
	return e.count(ctx, msg.OwnerID, ratelimit.KindSuggestion)
}

// bill accrues the operation's cost to the owner's current-day usage record.
// The action itself already succeeded, so a billing failure is logged rather
// than propagated; the Budget Monitor picks the cost up on its next sweep.
func (e *ActionExecutor) bill(ctx context.Context, ownerID string, costCents int64) {
	if costCents <= 0 {
		return
	}
	period := repo.DayPeriodID(e.now().UTC())
	if err := repo.AddCost(ctx, e.DB, ownerID, period, costCents, e.Billing.DailyBudgetCents); err != nil {
		log.Warn().Err(err).
			Str("owner_id", ownerID).
			Str("period_id", period).
			Int64("cost_cents", costCents).
			Msg("cost accrual failed after action")
	}
}

// count records one performed operation. The action itself already
// succeeded, so a counting failure is logged rather than propagated.
func (e *ActionExecutor) count(ctx context.Context, ownerID string, kind ratelimit.Kind) error {
	if e.Limiter == nil {
		return nil
	}
	if err := e.Limiter.Increment(ctx, ownerID, kind); err != nil {
		log.Warn().Err(err).
			Str("owner_id", ownerID).
			Str("operation_kind", string(kind)).
			Msg("rate window increment failed after action")
	}
	return nil
}
