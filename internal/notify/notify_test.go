package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-reply-guard/internal/budget"
	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/repo"
)

func newNotifyDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:notify_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.DeviceToken{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeSender records sends and returns a scripted result.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]string
	bodies  []string
	invalid []string
	err     error
}

func (f *fakeSender) Send(_ context.Context, tokens []string, n Notification) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), tokens...))
	f.bodies = append(f.bodies, n.Body)
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Delivered: len(tokens), Invalid: f.invalid}, nil
}

func register(t *testing.T, db *gorm.DB, ownerID, provider, token string) {
	t.Helper()
	if _, err := repo.RegisterDeviceToken(context.Background(), db, ownerID, provider, token); err != nil {
		t.Fatalf("register token: %v", err)
	}
}

func TestNotifyOwner_GroupsByProvider(t *testing.T) {
	db := newNotifyDB(t)
	fcm := &fakeSender{}
	apns := &fakeSender{}
	svc := NewService(db, map[string]Sender{"fcm": fcm, "apns": apns})

	register(t, db, "owner-1", "fcm", "f1")
	register(t, db, "owner-1", "fcm", "f2")
	register(t, db, "owner-1", "apns", "a1")
	register(t, db, "owner-2", "fcm", "other")

	err := svc.NotifyOwner(context.Background(), "owner-1", Notification{Title: "hi"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(fcm.batches) != 1 || len(fcm.batches[0]) != 2 {
		t.Fatalf("fcm batches = %+v", fcm.batches)
	}
	if len(apns.batches) != 1 || len(apns.batches[0]) != 1 {
		t.Fatalf("apns batches = %+v", apns.batches)
	}
}

func TestNotifyOwner_NoTokensIsNoop(t *testing.T) {
	db := newNotifyDB(t)
	fcm := &fakeSender{}
	svc := NewService(db, map[string]Sender{"fcm": fcm})

	if err := svc.NotifyOwner(context.Background(), "owner-1", Notification{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(fcm.batches) != 0 {
		t.Fatalf("unexpected sends: %+v", fcm.batches)
	}
}

func TestNotifyOwner_UnknownProviderSkipped(t *testing.T) {
	db := newNotifyDB(t)
	fcm := &fakeSender{}
	svc := NewService(db, map[string]Sender{"fcm": fcm})

	register(t, db, "owner-1", "fcm", "f1")
	register(t, db, "owner-1", "huawei", "h1")

	if err := svc.NotifyOwner(context.Background(), "owner-1", Notification{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(fcm.batches) != 1 {
		t.Fatalf("fcm batches = %+v", fcm.batches)
	}
}

func TestNotifyOwner_ProviderFailureDoesNotAbortOthers(t *testing.T) {
	db := newNotifyDB(t)
	fcm := &fakeSender{err: errors.New("fcm outage")}
	apns := &fakeSender{}
	svc := NewService(db, map[string]Sender{"fcm": fcm, "apns": apns})

	register(t, db, "owner-1", "fcm", "f1")
	register(t, db, "owner-1", "apns", "a1")

	err := svc.NotifyOwner(context.Background(), "owner-1", Notification{})
	if err == nil {
		t.Fatal("provider failure swallowed")
	}
	if len(apns.batches) != 1 {
		t.Fatal("healthy provider skipped after failure")
	}
}

func TestNotifyOwner_PrunesInvalidTokens(t *testing.T) {
	db := newNotifyDB(t)
	fcm := &fakeSender{invalid: []string{"f1"}}
	svc := NewService(db, map[string]Sender{"fcm": fcm})
	ctx := context.Background()

	register(t, db, "owner-1", "fcm", "f1")
	register(t, db, "owner-1", "fcm", "f2")

	if err := svc.NotifyOwner(ctx, "owner-1", Notification{}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	active, err := repo.ListActiveDeviceTokens(ctx, db, "owner-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].Token != "f2" {
		t.Fatalf("active tokens = %+v", active)
	}
}

func TestBudgetAlert_ExceededChangesPayload(t *testing.T) {
	db := newNotifyDB(t)
	fcm := &fakeSender{}
	svc := NewService(db, map[string]Sender{"fcm": fcm})
	ctx := context.Background()

	register(t, db, "owner-1", "fcm", "f1")

	alert := budget.Alert{
		OwnerID:     "owner-1",
		PeriodID:    "2025-11-03",
		UsedCents:   1200,
		LimitCents:  1000,
		UsedPercent: 120,
		Exceeded:    true,
	}
	if err := svc.BudgetAlert(ctx, alert); err != nil {
		t.Fatalf("budget alert: %v", err)
	}
	if len(fcm.bodies) != 1 {
		t.Fatalf("sends = %d, want 1", len(fcm.bodies))
	}
}
