package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-reply-guard/internal/domain"
)

const opID = "3f0c9a41d2e64b7fa6c85d90e1b23c47aa55ee7712c3489bd0f1a2b3c4d5e6f7"

func TestIdempotencyRecord_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec, err := CreateIdempotencyRecord(ctx, db, opID, "auto_reply", time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attempts = %d, want 1", rec.AttemptCount)
	}

	got, err := GetIdempotencyRecord(ctx, db, opID, time.Now().UTC())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result != "auto_reply" {
		t.Fatalf("result = %q", got.Result)
	}
}

func TestIdempotencyRecord_DuplicateInsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotencyRecord(ctx, db, opID, "auto_reply", time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := CreateIdempotencyRecord(ctx, db, opID, "suggestion", time.Hour)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	// The original result must survive the losing insert.
	got, err := GetIdempotencyRecord(ctx, db, opID, time.Now().UTC())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result != "auto_reply" {
		t.Fatalf("result = %q, want original", got.Result)
	}
}

func TestIdempotencyRecord_ExpiredIsAbsent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotencyRecord(ctx, db, opID, "none", time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}

	after := time.Now().UTC().Add(2 * time.Minute)
	if _, err := GetIdempotencyRecord(ctx, db, opID, after); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound past TTL", err)
	}
}

func TestIdempotencyRecord_BumpAttempts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotencyRecord(ctx, db, opID, "none", time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := BumpIdempotencyAttempts(ctx, db, opID); err != nil {
		t.Fatalf("bump: %v", err)
	}
	// Bumping an unknown operation is best effort and must not error.
	if err := BumpIdempotencyAttempts(ctx, db, "missing"); err != nil {
		t.Fatalf("bump missing: %v", err)
	}

	got, err := GetIdempotencyRecord(ctx, db, opID, time.Now().UTC())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("attempts = %d, want 2", got.AttemptCount)
	}
}

func TestPurgeExpiredIdempotencyRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotencyRecord(ctx, db, opID, "none", time.Minute); err != nil {
		t.Fatalf("create short: %v", err)
	}
	if _, err := CreateIdempotencyRecord(ctx, db, "other-op", "none", time.Hour); err != nil {
		t.Fatalf("create long: %v", err)
	}

	purged, err := PurgeExpiredIdempotencyRecords(ctx, db, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	var n int64
	if err := db.Model(&domain.IdempotencyRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("remaining = %d, want 1", n)
	}
}

func TestIdempotencyStore_LookupMissAndPersist(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := IdempotencyStore{DB: db, TTL: time.Hour}

	_, found, err := store.Lookup(ctx, opID, time.Now().UTC())
	if err != nil || found {
		t.Fatalf("lookup miss = (%v, %v)", found, err)
	}

	if err := store.Persist(ctx, opID, "escalated"); err != nil {
		t.Fatalf("persist: %v", err)
	}
	// The losing writer of a concurrent persist is not an error.
	if err := store.Persist(ctx, opID, "none"); err != nil {
		t.Fatalf("persist again: %v", err)
	}

	result, found, err := store.Lookup(ctx, opID, time.Now().UTC())
	if err != nil || !found {
		t.Fatalf("lookup hit = (%v, %v)", found, err)
	}
	if result != "escalated" {
		t.Fatalf("result = %q, want first write", result)
	}
}
