package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogSender is a Sender that writes notifications to the structured log
// instead of a push provider. Used in development and as a safe default when
// no provider credentials are configured.
type LogSender struct{}

// Send implements Sender. It never reports invalid tokens.
func (LogSender) Send(_ context.Context, tokens []string, n Notification) (Result, error) {
	log.Info().
		Int("tokens", len(tokens)).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("push notification (log sender)")
	return Result{Delivered: len(tokens)}, nil
}
