// Package notify delivers owner-facing push notifications through pluggable
// provider senders and prunes device tokens the provider reports as dead.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/budget"
	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/ratelimit"
	"github.com/tbourn/go-reply-guard/internal/repo"
)

// Notification is one push payload, provider-agnostic.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Result reports per-token delivery outcome from a Sender. Tokens in
// Invalid are permanently dead at the provider and must be deregistered.
type Result struct {
	Delivered int
	Invalid   []string
}

// Sender pushes one notification to a batch of same-provider tokens.
// Implementations wrap a concrete provider SDK (APNs, FCM, webhooks).
type Sender interface {
	Send(ctx context.Context, tokens []string, n Notification) (Result, error)
}

// Service fans a notification out to every active device an owner has
// registered, grouped by provider. Invalid tokens are deactivated inline so
// the next send does not retry them.
type Service struct {
	db      *gorm.DB
	senders map[string]Sender
}

// NewService constructs a Service over the given provider senders, keyed by
// provider name as stored on device token rows.
func NewService(db *gorm.DB, senders map[string]Sender) *Service {
	return &Service{db: db, senders: senders}
}

// NotifyOwner sends n to all of the owner's active devices. Providers with
// no registered sender are skipped with a log line. A provider failure does
// not abort delivery to the remaining providers; the first error is
// returned after all batches have been attempted.
func (s *Service) NotifyOwner(ctx context.Context, ownerID string, n Notification) error {
	tokens, err := repo.ListActiveDeviceTokens(ctx, s.db, ownerID)
	if err != nil {
		return fmt.Errorf("list device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	byProvider := map[string][]string{}
	for _, t := range tokens {
		byProvider[t.Provider] = append(byProvider[t.Provider], t.Token)
	}

	var firstErr error
	for provider, batch := range byProvider {
		sender, ok := s.senders[provider]
		if !ok {
			log.Warn().Str("provider", provider).Msg("no sender registered for provider; skipping")
			continue
		}
		res, err := sender.Send(ctx, batch, n)
		if err != nil {
			log.Error().Err(err).
				Str("owner_id", ownerID).
				Str("provider", provider).
				Int("tokens", len(batch)).
				Msg("push delivery failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sentTotal.WithLabelValues(provider).Add(float64(res.Delivered))
		s.pruneInvalid(ctx, provider, res.Invalid)
	}
	return firstErr
}

func (s *Service) pruneInvalid(ctx context.Context, provider string, invalid []string) {
	if len(invalid) == 0 {
		return
	}
	pruned, err := repo.DeactivateDeviceTokens(ctx, s.db, provider, invalid)
	if err != nil {
		log.Error().Err(err).Str("provider", provider).Msg("device token pruning failed")
		return
	}
	prunedTotal.WithLabelValues(provider).Add(float64(pruned))
	log.Info().Str("provider", provider).Int64("pruned", pruned).Msg("deactivated invalid device tokens")
}

// BudgetAlert implements budget.AlertSink.
func (s *Service) BudgetAlert(ctx context.Context, a budget.Alert) error {
	n := Notification{
		Title: "Budget alert",
		Body: fmt.Sprintf("AI spend at %.0f%% of your %s budget (%d of %d cents).",
			a.UsedPercent, a.PeriodID, a.UsedCents, a.LimitCents),
		Data: map[string]string{"type": "budget_alert", "period_id": a.PeriodID},
	}
	if a.Exceeded {
		n.Title = "Budget exceeded"
		n.Body = fmt.Sprintf("AI budget for %s reached. Automated features are paused until the next period.", a.PeriodID)
		n.Data["type"] = "budget_exceeded"
	}
	return s.NotifyOwner(ctx, a.OwnerID, n)
}

// RateWarning is a ratelimit.WarningFunc notifying the owner that an
// operation family is approaching its ceiling.
func (s *Service) RateWarning(ctx context.Context, ownerID string, kind ratelimit.Kind, windowKind string, count, limit int64) {
	scope := "hourly"
	if windowKind == domain.WindowDaily {
		scope = "daily"
	}
	n := Notification{
		Title: "Approaching rate limit",
		Body:  fmt.Sprintf("%s usage at %d of %d for the current %s window.", kind, count, limit, scope),
		Data:  map[string]string{"type": "rate_warning", "operation_kind": string(kind), "window_kind": windowKind},
	}
	if err := s.NotifyOwner(ctx, ownerID, n); err != nil {
		log.Warn().Err(err).Str("owner_id", ownerID).Msg("rate warning delivery failed")
	}
}
