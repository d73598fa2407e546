// Review HTTP handlers.
//
// This file exposes the owner-facing REST endpoints:
//   - GET  /owners/{owner_id}/suggestions   (pending review queue, paginated, ETag support)
//   - GET  /owners/{owner_id}/stats         (automation activity summary)
//   - POST /owners/{owner_id}/replies       (add a saved reply to the corpus)
//   - POST /owners/{owner_id}/devices       (register a push token)
//   - GET  /messages/{id}/decision          (decision metadata for one message)
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses (including conditional
// responses).
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/repo"
	"github.com/tbourn/go-reply-guard/internal/services"
	"github.com/tbourn/go-reply-guard/internal/utils"
)

//
// Service contracts (context-aware)
//

// ReviewService defines the review-queue and configuration operations
// consumed by HTTP handlers. Implementations must be safe for concurrent use
// and honor the provided context.
type ReviewService interface {
	// ListPendingSuggestions returns a page of suggestions awaiting review
	// and the total pending count.
	ListPendingSuggestions(ctx context.Context, ownerID string, page, pageSize int) ([]domain.InboundMessage, int64, error)
	// GetDecision returns a message with its decision metadata, owner-scoped.
	GetDecision(ctx context.Context, ownerID, messageID string) (*domain.InboundMessage, error)
	// AddSavedReply persists and indexes a new corpus entry.
	AddSavedReply(ctx context.Context, ownerID, category, answer string) (*domain.SavedReply, error)
	// RegisterDevice stores or reactivates a push token.
	RegisterDevice(ctx context.Context, ownerID, provider, token string) (*domain.DeviceToken, error)
	// Stats summarizes automation activity for the owner.
	Stats(ctx context.Context, ownerID string) (*services.OwnerStats, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for event ingestion and review. It
// depends on abstract contracts to keep transport concerns separate from
// business logic.
type Handlers struct {
	publisher EventPublisher
	reviewSvc ReviewService
	// idem persists HTTP-level idempotency markers; nil disables replays.
	idem *repo.IdempotencyStore
}

// New constructs a Handlers instance bound to the given collaborators.
func New(pub EventPublisher, rs ReviewService, idem *repo.IdempotencyStore) *Handlers {
	return &Handlers{publisher: pub, reviewSvc: rs, idem: idem}
}

// ownerID resolves the acting owner: the route parameter when present,
// then the authenticated identity from context, then the X-Owner-ID header
// (tests use it). It never touches c.Request when nil.
func ownerID(c *gin.Context) string {
	if p := c.Param("owner_id"); p != "" {
		return p
	}
	if v, ok := c.Get("ownerID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-Owner-ID")); h != "" {
			return h
		}
	}
	return ""
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSuggestionsResponse wraps a page of pending suggestions.
type ListSuggestionsResponse struct {
	Suggestions []domain.InboundMessage `json:"suggestions"`
	Pagination  Pagination              `json:"pagination"`
}

// DecisionResponse is the decision metadata for one message.
type DecisionResponse struct {
	Message *domain.InboundMessage `json:"message"`
}

// CreateSavedReplyRequest is the JSON payload for adding a corpus entry.
type CreateSavedReplyRequest struct {
	Category string `json:"category"`
	Answer   string `json:"answer" binding:"required,min=1"`
}

// RegisterDeviceRequest is the JSON payload for registering a push token.
type RegisterDeviceRequest struct {
	Provider string `json:"provider" binding:"required"`
	Token    string `json:"token" binding:"required"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters with sane
// defaults and caps.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

//
// Handlers
//

// ListSuggestions returns the owner's pending review queue, newest first,
// with a weak ETag derived from the pending count and latest update so
// polling clients can short-circuit with If-None-Match.
func (h *Handlers) ListSuggestions(c *gin.Context) {
	ctx := c.Request.Context()
	oid := ownerID(c)
	if oid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "owner id required")
		return
	}

	// ETag pre-check (best effort).
	if db := h.dbHandle(); db != nil {
		count, maxTS, err := repo.SuggestionStats(ctx, db, oid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"suggestions:%s:%d:%d"`, oid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.reviewSvc.ListPendingSuggestions(ctx, oid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListSuggestionsResponse{
		Suggestions: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetDecision returns the decision metadata recorded for one message.
func (h *Handlers) GetDecision(c *gin.Context) {
	msgID := c.Param("id")
	if _, err := uuid.Parse(msgID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}
	oid := ownerID(c)
	if oid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "owner id required")
		return
	}

	msg, err := h.reviewSvc.GetDecision(c.Request.Context(), oid, msgID)
	if err != nil {
		switch err {
		case services.ErrMessageNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, DecisionResponse{Message: msg})
}

// GetStats returns the owner's automation activity summary.
func (h *Handlers) GetStats(c *gin.Context) {
	oid := ownerID(c)
	if oid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "owner id required")
		return
	}
	st, err := h.reviewSvc.Stats(c.Request.Context(), oid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// CreateSavedReply adds a new saved reply to the owner's corpus and makes it
// matchable immediately.
func (h *Handlers) CreateSavedReply(c *gin.Context) {
	oid := ownerID(c)
	if oid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "owner id required")
		return
	}
	var req CreateSavedReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "answer required")
		return
	}

	sr, err := h.reviewSvc.AddSavedReply(c.Request.Context(), oid, req.Category, req.Answer)
	if err != nil {
		switch err {
		case services.ErrEmptyContent:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "answer required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, sr)
}

// RegisterDevice stores a push token for the owner's device.
func (h *Handlers) RegisterDevice(c *gin.Context) {
	oid := ownerID(c)
	if oid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "owner id required")
		return
	}
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "provider and token required")
		return
	}

	t, err := h.reviewSvc.RegisterDevice(c.Request.Context(), oid, req.Provider, req.Token)
	if err != nil {
		switch err {
		case services.ErrEmptyContent:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "provider and token required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, t)
}

// dbHandle exposes the concrete service's DB for best-effort conditional
// responses. Returns nil when the service is not the concrete type.
func (h *Handlers) dbHandle() *gorm.DB {
	if rs, ok := h.reviewSvc.(*services.ReviewService); ok {
		return rs.DB
	}
	return nil
}
