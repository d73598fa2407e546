package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/events"
	"github.com/tbourn/go-reply-guard/internal/http/middleware"
	"github.com/tbourn/go-reply-guard/internal/match"
	"github.com/tbourn/go-reply-guard/internal/repo"
	"github.com/tbourn/go-reply-guard/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------- fakes ----------

type fakePublisher struct {
	mu     sync.Mutex
	events []events.MessageCreated
}

func (f *fakePublisher) Dispatch(_ context.Context, ev events.MessageCreated) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeReviewService struct {
	suggestions []domain.InboundMessage
	total       int64
	decision    *domain.InboundMessage
	decisionErr error
	stats       *services.OwnerStats
}

func (f *fakeReviewService) ListPendingSuggestions(_ context.Context, _ string, page, pageSize int) ([]domain.InboundMessage, int64, error) {
	return f.suggestions, f.total, nil
}

func (f *fakeReviewService) GetDecision(_ context.Context, _, _ string) (*domain.InboundMessage, error) {
	return f.decision, f.decisionErr
}

func (f *fakeReviewService) AddSavedReply(_ context.Context, ownerID, category, answer string) (*domain.SavedReply, error) {
	return &domain.SavedReply{ID: uuid.NewString(), OwnerID: ownerID, Category: category, Answer: answer, Active: true}, nil
}

func (f *fakeReviewService) RegisterDevice(_ context.Context, ownerID, provider, token string) (*domain.DeviceToken, error) {
	return &domain.DeviceToken{ID: uuid.NewString(), OwnerID: ownerID, Provider: provider, Token: token, Active: true}, nil
}

func (f *fakeReviewService) Stats(context.Context, string) (*services.OwnerStats, error) {
	if f.stats != nil {
		return f.stats, nil
	}
	return &services.OwnerStats{}, nil
}

// ---------- harness ----------

func newTestRouter(h *Handlers, lookup middleware.IdempotencyLookup) *gin.Engine {
	r := gin.New()
	r.Use(middleware.OwnerIdentity())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, lookup))
	r.POST("/events/message-created", h.PostMessageCreated)
	r.GET("/owners/:owner_id/suggestions", h.ListSuggestions)
	r.GET("/owners/:owner_id/stats", h.GetStats)
	r.POST("/owners/:owner_id/replies", h.CreateSavedReply)
	r.POST("/owners/:owner_id/devices", h.RegisterDevice)
	r.GET("/messages/:id/decision", h.GetDecision)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validEvent() map[string]any {
	return map[string]any{
		"message_id":      uuid.NewString(),
		"conversation_id": uuid.NewString(),
		"sender_id":       "fan-7",
		"owner_id":        "owner-1",
		"text":            "what time do you open",
	}
}

// ---------- event ingestion ----------

func TestPostMessageCreated_Accepted(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(New(pub, &fakeReviewService{}, nil), nil)

	w := doJSON(t, r, http.MethodPost, "/events/message-created", validEvent(), nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if pub.count() != 1 {
		t.Fatalf("dispatched = %d, want 1", pub.count())
	}
	var resp MessageCreatedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "accepted" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestPostMessageCreated_ValidationFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing text", func(m map[string]any) { delete(m, "text") }},
		{"bad message id", func(m map[string]any) { m["message_id"] = "not-a-uuid" }},
		{"bad conversation id", func(m map[string]any) { m["conversation_id"] = "nope" }},
		{"sentiment too low", func(m map[string]any) { m["sentiment"] = -1.5 }},
		{"sentiment too high", func(m map[string]any) { m["sentiment"] = 1.5 }},
		{"bad timestamp", func(m map[string]any) { m["timestamp"] = "yesterday" }},
		{"whitespace text", func(m map[string]any) { m["text"] = " \n\n " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{}
			r := newTestRouter(New(pub, &fakeReviewService{}, nil), nil)

			body := validEvent()
			tc.mutate(body)
			w := doJSON(t, r, http.MethodPost, "/events/message-created", body, nil)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if pub.count() != 0 {
				t.Fatal("invalid payload dispatched")
			}
		})
	}
}

func TestPostMessageCreated_SanitizesText(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(New(pub, &fakeReviewService{}, nil), nil)

	body := validEvent()
	body["text"] = "  hello\r\nthere\n\n\n\nbye  "
	w := doJSON(t, r, http.MethodPost, "/events/message-created", body, nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if got := pub.events[0].Text; got != "hello\nthere\n\nbye" {
		t.Fatalf("text = %q", got)
	}
}

func TestPostMessageCreated_ReplayShortCircuits(t *testing.T) {
	pub := &fakePublisher{}
	lookup := func(_ context.Context, ownerID, key string, _ time.Time) (bool, error) {
		return ownerID == "owner-1" && key == "op-1", nil
	}
	r := newTestRouter(New(pub, &fakeReviewService{}, nil), lookup)

	w := doJSON(t, r, http.MethodPost, "/events/message-created", validEvent(), map[string]string{
		middleware.HeaderOwnerID:       "owner-1",
		middleware.HeaderIdempotencyKey: "op-1",
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatal("replay header missing")
	}
	if pub.count() != 0 {
		t.Fatal("replayed request dispatched again")
	}
}

func TestPostMessageCreated_MalformedIdempotencyKey(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(New(pub, &fakeReviewService{}, nil), nil)

	w := doJSON(t, r, http.MethodPost, "/events/message-created", validEvent(), map[string]string{
		middleware.HeaderIdempotencyKey: "bad key with spaces",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if pub.count() != 0 {
		t.Fatal("request with malformed key dispatched")
	}
}

// ---------- review surface ----------

func TestListSuggestions_Pagination(t *testing.T) {
	rs := &fakeReviewService{
		suggestions: []domain.InboundMessage{{ID: uuid.NewString()}},
		total:       41,
	}
	r := newTestRouter(New(&fakePublisher{}, rs, nil), nil)

	w := doJSON(t, r, http.MethodGet, "/owners/owner-1/suggestions?page=2&page_size=20", nil, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ListSuggestionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := resp.Pagination
	if p.Page != 2 || p.PageSize != 20 || p.Total != 41 || p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("pagination = %+v", p)
	}
}

func TestGetDecision_Errors(t *testing.T) {
	rs := &fakeReviewService{decisionErr: services.ErrMessageNotFound}
	r := newTestRouter(New(&fakePublisher{}, rs, nil), nil)

	w := doJSON(t, r, http.MethodGet, "/messages/not-a-uuid/decision", nil, map[string]string{
		middleware.HeaderOwnerID: "owner-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/messages/"+uuid.NewString()+"/decision", nil, map[string]string{
		middleware.HeaderOwnerID: "owner-1",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != ErrCodeNotFound {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestGetDecision_OwnerRequired(t *testing.T) {
	r := newTestRouter(New(&fakePublisher{}, &fakeReviewService{}, nil), nil)

	w := doJSON(t, r, http.MethodGet, "/messages/"+uuid.NewString()+"/decision", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateSavedReply_Created(t *testing.T) {
	r := newTestRouter(New(&fakePublisher{}, &fakeReviewService{}, nil), nil)

	w := doJSON(t, r, http.MethodPost, "/owners/owner-1/replies", map[string]any{
		"category": "hours",
		"answer":   "We open at 9am.",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/owners/owner-1/replies", map[string]any{"category": "hours"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing answer status = %d", w.Code)
	}
}

func TestRegisterDevice_Created(t *testing.T) {
	r := newTestRouter(New(&fakePublisher{}, &fakeReviewService{}, nil), nil)

	w := doJSON(t, r, http.MethodPost, "/owners/owner-1/devices", map[string]any{
		"provider": "fcm",
		"token":    "tok-1",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/owners/owner-1/devices", map[string]any{"provider": "fcm"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing token status = %d", w.Code)
	}
}

// ---------- conditional responses against the real service ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestListSuggestions_ETagRoundTrip(t *testing.T) {
	db := newHandlerDB(t)
	rs := services.NewReviewService(db, match.NewHashingEmbedder(16), match.NewMemoryIndex(16))
	r := newTestRouter(New(&fakePublisher{}, rs, nil), nil)
	ctx := context.Background()

	m, err := repo.UpsertMessage(ctx, db, &domain.InboundMessage{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		SenderID:       "fan-1",
		OwnerID:        "owner-1",
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := repo.MarkSuggested(ctx, db, m.ID, uuid.NewString(), "answer", 0.75, time.Now().UTC()); err != nil {
		t.Fatalf("mark: %v", err)
	}

	first := doJSON(t, r, http.MethodGet, "/owners/owner-1/suggestions", nil, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatal("ETag missing")
	}

	second := doJSON(t, r, http.MethodGet, "/owners/owner-1/suggestions", nil, map[string]string{
		"If-None-Match": etag,
	})
	if second.Code != http.StatusNotModified {
		t.Fatalf("conditional status = %d, want 304", second.Code)
	}
}

func TestHTTPOperationID_OwnerScoped(t *testing.T) {
	a := HTTPOperationID("owner-1", "op-1")
	b := HTTPOperationID("owner-2", "op-1")
	if a == b {
		t.Fatal("same key for different owners")
	}
	if a != HTTPOperationID("owner-1", "op-1") {
		t.Fatal("operation id not stable")
	}
	if len(a) != 64 {
		t.Fatalf("id length = %d, want 64 hex chars", len(a))
	}
}
