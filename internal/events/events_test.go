package events

import (
	"context"
	"errors"
	"testing"
)

func TestDispatch_DeliversInSubscriptionOrder(t *testing.T) {
	d := NewDispatcher()
	var order []string
	d.Subscribe(func(context.Context, MessageCreated) error {
		order = append(order, "first")
		return nil
	})
	d.Subscribe(func(context.Context, MessageCreated) error {
		order = append(order, "second")
		return nil
	})

	d.Dispatch(context.Background(), MessageCreated{MessageID: "m1"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestDispatch_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher()
	d.Subscribe(func(context.Context, MessageCreated) error {
		return errors.New("handler broke")
	})
	ran := false
	d.Subscribe(func(context.Context, MessageCreated) error {
		ran = true
		return nil
	})

	d.Dispatch(context.Background(), MessageCreated{MessageID: "m1"})

	if !ran {
		t.Fatal("later handler skipped after an earlier failure")
	}
}

func TestSubscribe_NilHandlerIgnored(t *testing.T) {
	d := NewDispatcher()
	d.Subscribe(nil)
	// Must not panic.
	d.Dispatch(context.Background(), MessageCreated{MessageID: "m1"})
}

func TestDispatch_NoHandlers(t *testing.T) {
	d := NewDispatcher()
	d.Dispatch(context.Background(), MessageCreated{MessageID: "m1"})
}
