// Package services – DecisionService
//
// This file implements the decision engine at the heart of the pipeline. For
// every inbound message it walks a fixed sequence of gates (duplicate guard,
// idempotency check, feature flags, sentiment escalation, similarity match,
// confidence tiers, rate and daily caps) and settles on exactly one terminal
// outcome: auto-reply, suggestion, escalation, or no action.
//
// The engine degrades instead of failing: a collaborator outage (matcher,
// rate counters) lowers the outcome to something safer rather than surfacing
// an error to the event producer.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/events"
	"github.com/tbourn/go-reply-guard/internal/guardrail"
	"github.com/tbourn/go-reply-guard/internal/match"
	"github.com/tbourn/go-reply-guard/internal/ratelimit"
	"github.com/tbourn/go-reply-guard/internal/repo"
)

// SimilarityMatcher is the matching contract required by the engine.
// *match.Matcher satisfies it.
type SimilarityMatcher interface {
	Query(ctx context.Context, text, ownerID string, topK int, minScore float64) ([]match.Candidate, error)
}

// ActionLimiter is the admission-control contract required by the engine and
// the executor. *ratelimit.Limiter satisfies it.
type ActionLimiter interface {
	Check(ctx context.Context, ownerID string, kind ratelimit.Kind) (ratelimit.Status, error)
	Increment(ctx context.Context, ownerID string, kind ratelimit.Kind) error
}

// Decision is the engine's terminal verdict for one message.
type Decision struct {
	Outcome string
	Score   float64
	MatchID string
	Answer  string
	// Reason explains non-action and downgrade outcomes ("feature_disabled",
	// "rate_limited", "negative_sentiment", ...). Empty for plain auto/suggest.
	Reason string
}

// Default confidence tiers. A score at or above AutoThreshold qualifies for
// an automatic reply; at or above SuggestThreshold for a suggestion.
const (
	DefaultAutoThreshold    = 0.85
	DefaultSuggestThreshold = 0.70
	DefaultTopK             = 3
)

// DecisionService evaluates inbound messages and applies the resulting
// actions. It is safe for concurrent use.
type DecisionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Matcher resolves message text to saved-reply candidates.
	Matcher SimilarityMatcher
	// Limiter enforces per-owner operation ceilings.
	Limiter ActionLimiter
	// Cache is the processed-operation guard keyed by content hash.
	Cache *guardrail.Cache
	// Exec applies terminal decisions.
	Exec *ActionExecutor

	// AutoThreshold and SuggestThreshold bound the confidence tiers.
	AutoThreshold    float64
	SuggestThreshold float64
	// TopK caps candidates fetched per query.
	TopK int

	now func() time.Time
}

// NewDecisionService constructs a DecisionService with default tiers.
func NewDecisionService(db *gorm.DB, m SimilarityMatcher, l ActionLimiter, c *guardrail.Cache) *DecisionService {
	return &DecisionService{
		DB:               db,
		Matcher:          m,
		Limiter:          l,
		Cache:            c,
		Exec:             NewActionExecutor(db, l),
		AutoThreshold:    DefaultAutoThreshold,
		SuggestThreshold: DefaultSuggestThreshold,
		TopK:             DefaultTopK,
		now:              time.Now,
	}
}

// HandleMessageCreated is the events.Handler entry point. Delivery is
// at-least-once, so the whole evaluate-and-apply step runs under the
// idempotency guard: a redelivered event resolves to the recorded outcome
// without re-executing any action.
func (s *DecisionService) HandleMessageCreated(ctx context.Context, ev events.MessageCreated) error {
	tr := otel.Tracer("services/DecisionService")
	ctx, span := tr.Start(ctx, "HandleMessageCreated",
		trace.WithAttributes(
			attribute.String("message.id", ev.MessageID),
			attribute.String("owner.id", ev.OwnerID),
		),
	)
	defer span.End()

	if strings.TrimSpace(ev.Text) == "" {
		return ErrEmptyContent
	}

	msg, err := repo.UpsertMessage(ctx, s.DB, &domain.InboundMessage{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		OwnerID:        ev.OwnerID,
		Content:        ev.Text,
		Sentiment:      ev.Sentiment,
		CreatedAt:      ev.Timestamp,
	})
	if err != nil {
		return err
	}

	descriptor := map[string]any{
		"operation":       "message_decision",
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"owner_id":        msg.OwnerID,
	}
	outcome, executed, err := guardrail.RunIdempotent(ctx, s.Cache, descriptor, func(ctx context.Context) (string, error) {
		d, derr := s.decideAndApply(ctx, msg)
		if derr != nil {
			return "", derr
		}
		return d.Outcome, nil
	})
	if err != nil {
		return err
	}
	if !executed {
		log.Debug().
			Str("message_id", msg.ID).
			Str("outcome", outcome).
			Msg("duplicate message event; decision already recorded")
	}
	return nil
}

// DecideMessage evaluates and applies the pipeline for a stored message by
// ID, bypassing the event envelope. Used by tests and operational replays.
func (s *DecisionService) DecideMessage(ctx context.Context, messageID string) (Decision, error) {
	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return Decision{}, ErrMessageNotFound
	}
	if err != nil {
		return Decision{}, err
	}
	return s.decideAndApply(ctx, msg)
}

func (s *DecisionService) decideAndApply(ctx context.Context, msg *domain.InboundMessage) (Decision, error) {
	// Message-level duplicate guard: one terminal outcome per message.
	if msg.DecisionOutcome != "" {
		return Decision{Outcome: msg.DecisionOutcome, Reason: "already_decided"}, nil
	}

	d := s.Decide(ctx, msg)

	// A concurrent or replayed trigger may have sent this exact reply
	// already; consult the processed-operation guard before acting.
	var opID string
	if d.Outcome == domain.OutcomeAutoReply {
		id, err := guardrail.DescriptorID(map[string]any{
			"operation":  "auto_reply",
			"message_id": msg.ID,
			"answer_id":  d.MatchID,
		})
		if err != nil {
			return Decision{}, err
		}
		if s.Cache.HasProcessed(ctx, id) {
			d = Decision{Outcome: domain.OutcomeNone, Score: d.Score, MatchID: d.MatchID, Reason: "duplicate_operation"}
		} else {
			opID = id
		}
	}

	if err := s.Exec.Apply(ctx, msg, d); err != nil {
		return Decision{}, err
	}
	if opID != "" {
		s.Cache.MarkProcessed(ctx, opID, d.Outcome)
	}
	decisionsTotal.WithLabelValues(d.Outcome).Inc()
	log.Info().
		Str("message_id", msg.ID).
		Str("owner_id", msg.OwnerID).
		Str("outcome", d.Outcome).
		Str("reason", d.Reason).
		Float64("score", d.Score).
		Msg("decision recorded")
	return d, nil
}

// Decide runs the gate sequence and returns the verdict without applying it.
func (s *DecisionService) Decide(ctx context.Context, msg *domain.InboundMessage) Decision {
	tr := otel.Tracer("services/DecisionService")
	ctx, span := tr.Start(ctx, "Decide",
		trace.WithAttributes(attribute.String("message.id", msg.ID)),
	)
	defer span.End()

	if strings.TrimSpace(msg.Content) == "" {
		return Decision{Outcome: domain.OutcomeNone, Reason: "empty_content"}
	}

	cfg, err := repo.GetGuardrailConfig(ctx, s.DB, msg.OwnerID)
	if errors.Is(err, repo.ErrNotFound) {
		return Decision{Outcome: domain.OutcomeNone, Reason: "unconfigured"}
	}
	if err != nil {
		// Config unreadable; the safe floor is no action at all.
		log.Warn().Err(err).Str("owner_id", msg.OwnerID).Msg("guardrail config read failed")
		return Decision{Outcome: domain.OutcomeNone, Reason: "config_unavailable"}
	}
	if !cfg.FeatureEnabled {
		return Decision{Outcome: domain.OutcomeNone, Reason: "feature_disabled"}
	}
	if cfg.FeaturesDisabled {
		return Decision{Outcome: domain.OutcomeNone, Reason: "budget_disabled"}
	}

	cands, err := s.Matcher.Query(ctx, msg.Content, msg.OwnerID, s.topK(), s.suggestThreshold())
	if err != nil {
		// Matching outage; skip this message rather than act blindly.
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("similarity matching unavailable")
		return Decision{Outcome: domain.OutcomeNone, Reason: "matching_unavailable"}
	}
	if len(cands) == 0 {
		return Decision{Outcome: domain.OutcomeNone, Reason: "no_match"}
	}

	best := cands[0]
	d := Decision{Score: best.Score, MatchID: best.ID, Answer: best.Answer}

	// A negative message never gets an automated answer, whatever the
	// match tier; a human sees it instead. Strictly below the threshold:
	// a message at the threshold still proceeds.
	if msg.Sentiment != nil && *msg.Sentiment < cfg.EscalationSentimentThreshold {
		d.Outcome = domain.OutcomeEscalated
		d.Reason = "negative_sentiment"
		return d
	}

	if best.Score >= s.autoThreshold() {
		reason, ok := s.autoPermitted(ctx, cfg)
		if ok {
			d.Outcome = domain.OutcomeAutoReply
			return d
		}
		// Downgrade to the suggestion tier, keeping the reason.
		d.Reason = reason
	}

	st, err := s.Limiter.Check(ctx, msg.OwnerID, ratelimit.KindSuggestion)
	if err == nil && !st.Allowed {
		return Decision{Outcome: domain.OutcomeNone, Score: best.Score, MatchID: best.ID, Reason: "rate_limited"}
	}
	d.Outcome = domain.OutcomeSuggestion
	return d
}

// autoPermitted checks the gates that stand between a high-confidence match
// and an automatic reply. It returns the downgrade reason when not permitted.
func (s *DecisionService) autoPermitted(ctx context.Context, cfg *domain.GuardrailConfig) (string, bool) {
	if cfg.RequireApproval {
		return "approval_required", false
	}
	st, err := s.Limiter.Check(ctx, cfg.OwnerID, ratelimit.KindAutoReply)
	if err != nil {
		return "rate_check_failed", false
	}
	if !st.Allowed {
		return "rate_limited", false
	}
	if cfg.MaxAutoActionsPerDay > 0 {
		n, err := repo.CountAutoRepliesSince(ctx, s.DB, cfg.OwnerID, utcDayStart(s.now()))
		if err != nil {
			return "daily_cap_check_failed", false
		}
		if n >= int64(cfg.MaxAutoActionsPerDay) {
			return "daily_cap_reached", false
		}
	}
	return "", true
}

func (s *DecisionService) autoThreshold() float64 {
	if s.AutoThreshold > 0 {
		return s.AutoThreshold
	}
	return DefaultAutoThreshold
}

func (s *DecisionService) suggestThreshold() float64 {
	if s.SuggestThreshold > 0 {
		return s.SuggestThreshold
	}
	return DefaultSuggestThreshold
}

func (s *DecisionService) topK() int {
	if s.TopK > 0 {
		return s.TopK
	}
	return DefaultTopK
}

func utcDayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
