// Package events carries the in-process message event stream. Publication is
// at-least-once: producers may redeliver, so every handler must tolerate
// duplicates (downstream idempotency guards make redelivery harmless).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MessageCreated announces a newly stored inbound message.
type MessageCreated struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	OwnerID        string    `json:"owner_id"`
	Text           string    `json:"text"`
	Sentiment      *float64  `json:"sentiment,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Handler consumes one MessageCreated event. Errors are logged by the
// dispatcher and never retried; handlers own their retry semantics.
type Handler func(ctx context.Context, ev MessageCreated) error

// Dispatcher fans MessageCreated events out to subscribed handlers
// synchronously, in subscription order. A failing handler does not block
// the remaining handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a handler for all future Dispatch calls.
func (d *Dispatcher) Subscribe(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Dispatch delivers ev to every handler. It always returns after all
// handlers have run; handler errors are logged, not propagated, so one
// consumer cannot veto delivery to another.
func (d *Dispatcher) Dispatch(ctx context.Context, ev MessageCreated) {
	d.mu.RLock()
	hs := make([]Handler, len(d.handlers))
	copy(hs, d.handlers)
	d.mu.RUnlock()

	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			log.Error().Err(err).
				Str("message_id", ev.MessageID).
				Str("conversation_id", ev.ConversationID).
				Msg("message event handler failed")
		}
	}
}
