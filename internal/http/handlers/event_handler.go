// Event ingestion HTTP handlers.
//
// This file exposes the ingestion endpoint for message-created events:
//   - POST /events/message-created   (acknowledge and dispatch to the pipeline)
//
// Handlers are transport-thin: they validate and normalize the payload,
// dispatch to the event stream, and return 202 Accepted. The decision
// pipeline runs behind the dispatcher; producers retry on transport errors,
// so delivery is at-least-once and downstream consumers deduplicate.
package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-reply-guard/internal/events"
	"github.com/tbourn/go-reply-guard/internal/guardrail"
	"github.com/tbourn/go-reply-guard/internal/http/middleware"
)

// HTTPOperationID derives the stable marker key for an HTTP request's
// Idempotency-Key, scoped to the owner so keys cannot collide across owners.
// The descriptor is a flat string map, so hashing cannot fail.
func HTTPOperationID(ownerID, key string) string {
	id, _ := guardrail.DescriptorID(map[string]any{
		"operation": "http_ingest",
		"owner_id":  ownerID,
		"key":       key,
	})
	return id
}

// EventPublisher delivers message events into the pipeline. Implementations
// must not block the HTTP request beyond handler delivery.
type EventPublisher interface {
	Dispatch(ctx context.Context, ev events.MessageCreated)
}

// MessageCreatedRequest is the JSON payload for a message-created event.
type MessageCreatedRequest struct {
	MessageID      string   `json:"message_id" binding:"required"`
	ConversationID string   `json:"conversation_id" binding:"required"`
	SenderID       string   `json:"sender_id" binding:"required"`
	OwnerID        string   `json:"owner_id" binding:"required"`
	Text           string   `json:"text" binding:"required,min=1"`
	Sentiment      *float64 `json:"sentiment,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
}

// MessageCreatedResponse acknowledges an accepted event.
type MessageCreatedResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeText normalizes message text for consistent downstream behavior:
// CRLF/CR become LF, runs of 3+ LFs collapse to two, surrounding whitespace
// is trimmed.
func sanitizeText(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// PostMessageCreated accepts one message-created event and dispatches it to
// the decision pipeline. The response is 202: acceptance acknowledges
// receipt, not a decision. Redeliveries with an Idempotency-Key that matches
// a completed operation are acknowledged with Idempotency-Replayed: true.
func (h *Handlers) PostMessageCreated(c *gin.Context) {
	var req MessageCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message_id, conversation_id, sender_id, owner_id and text are required")
		return
	}
	if _, err := uuid.Parse(req.MessageID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message_id must be a UUID")
		return
	}
	if _, err := uuid.Parse(req.ConversationID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id must be a UUID")
		return
	}
	if req.Sentiment != nil && (*req.Sentiment < -1 || *req.Sentiment > 1) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sentiment must be within [-1, 1]")
		return
	}

	text := sanitizeText(req.Text)
	if text == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text required")
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "timestamp must be RFC 3339")
			return
		}
		ts = parsed.UTC()
	}

	if middleware.IsReplay(c) {
		c.Header("Idempotency-Replayed", "true")
		accepted(c, MessageCreatedResponse{MessageID: req.MessageID, Status: "accepted"})
		return
	}

	h.publisher.Dispatch(c.Request.Context(), events.MessageCreated{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		OwnerID:        req.OwnerID,
		Text:           text,
		Sentiment:      req.Sentiment,
		Timestamp:      ts,
	})

	// Store the HTTP-level marker (best effort) so a retried request with
	// the same key is acknowledged without re-dispatching. The owner scope
	// must match what the validator's lookup resolved, which is the
	// authenticated identity rather than the payload owner.
	if key, okKey := middleware.GetIdempotencyKey(c); okKey && h.idem != nil {
		_ = h.idem.Persist(c.Request.Context(), HTTPOperationID(ownerID(c), key), req.MessageID)
	}

	accepted(c, MessageCreatedResponse{MessageID: req.MessageID, Status: "accepted"})
}
