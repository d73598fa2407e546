package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

func seedMessage(t *testing.T, db *gorm.DB, ownerID string) *domain.InboundMessage {
	t.Helper()
	m, err := UpsertMessage(context.Background(), db, &domain.InboundMessage{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		SenderID:       "fan-1",
		OwnerID:        ownerID,
		Content:        "when do you restock",
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return m
}

func TestUpsertMessage_RedeliveryKeepsDecision(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	m := seedMessage(t, db, "owner-1")

	if err := MarkNoAction(ctx, db, m.ID, "no_match", time.Now().UTC()); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// The same event arriving again must resolve to the stored row and not
	// blank out the decision metadata.
	again, err := UpsertMessage(ctx, db, &domain.InboundMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		OwnerID:        m.OwnerID,
		Content:        m.Content,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if again.DecisionOutcome != domain.OutcomeNone {
		t.Fatalf("decision lost on redelivery: %+v", again)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := GetMessage(context.Background(), db, uuid.NewString())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateReply_SecondReplyForMessageIsDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	messageID := uuid.NewString()

	if _, err := CreateReply(ctx, db, "owner-1", uuid.NewString(), messageID, "hi", uuid.NewString(), 0.9); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	_, err := CreateReply(ctx, db, "owner-1", uuid.NewString(), messageID, "hi again", uuid.NewString(), 0.8)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestCountAutoRepliesSince_WindowBoundary(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := CreateReply(ctx, db, "owner-1", uuid.NewString(), uuid.NewString(), "hi", uuid.NewString(), 0.9); err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
	}
	// Another owner's replies must not count.
	if _, err := CreateReply(ctx, db, "owner-2", uuid.NewString(), uuid.NewString(), "hi", uuid.NewString(), 0.9); err != nil {
		t.Fatalf("other owner reply: %v", err)
	}

	n, err := CountAutoRepliesSince(ctx, db, "owner-1", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	n, err = CountAutoRepliesSince(ctx, db, "owner-1", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("count future: %v", err)
	}
	if n != 0 {
		t.Fatalf("future count = %d, want 0", n)
	}
}

func TestPendingSuggestions_QueueOrderAndCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		m := seedMessage(t, db, "owner-1")
		if err := MarkSuggested(ctx, db, m.ID, uuid.NewString(), "answer", 0.75, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("mark suggested: %v", err)
		}
		ids = append(ids, m.ID)
	}
	// Escalated and undecided messages never enter the review queue.
	esc := seedMessage(t, db, "owner-1")
	if err := MarkEscalated(ctx, db, esc.ID, "negative_sentiment", base); err != nil {
		t.Fatalf("mark escalated: %v", err)
	}
	seedMessage(t, db, "owner-1")

	total, err := CountPendingSuggestions(ctx, db, "owner-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("pending = %d, want 3", total)
	}

	page, err := ListPendingSuggestionsPage(ctx, db, "owner-1", 0, 2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}
	// Oldest decisions first.
	if page[0].ID != ids[0] || page[1].ID != ids[1] {
		t.Fatalf("page order = [%s %s], want [%s %s]", page[0].ID, page[1].ID, ids[0], ids[1])
	}

	rest, err := ListPendingSuggestionsPage(ctx, db, "owner-1", 2, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[2] {
		t.Fatalf("second page = %+v", rest)
	}
}

func TestTouchSavedReplyUsage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	sr, err := CreateSavedReply(ctx, db, "owner-1", "hours", "We open at 9am.", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	if err := TouchSavedReplyUsage(ctx, db, sr.ID, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := TouchSavedReplyUsage(ctx, db, sr.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("touch again: %v", err)
	}

	got, err := GetSavedReply(ctx, db, sr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UseCount != 2 {
		t.Fatalf("use count = %d, want 2", got.UseCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.After(now.Add(30*time.Second)) {
		t.Fatalf("last used = %v", got.LastUsedAt)
	}
}
