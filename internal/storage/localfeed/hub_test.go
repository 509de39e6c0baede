package localfeed

import (
	"errors"
	"testing"

	"pkt.systems/shardq/internal/storage"
)

func TestHubPrefixAndNamespace(t *testing.T) {
	t.Parallel()

	h := New()
	sub, err := h.Subscribe("default", "q/orders/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.Notify("other", "q/orders/x")
	h.Notify("default", "q/payments/x")
	select {
	case <-sub.Events():
		t.Fatal("unexpected event")
	default:
	}
	h.Notify("default", "q/orders/x")
	h.Notify("default", "q/orders/y")
	select {
	case <-sub.Events():
	default:
		t.Fatal("expected event")
	}
	select {
	case <-sub.Events():
		t.Fatal("events should coalesce")
	default:
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.Len() != 0 {
		t.Fatalf("expected no subscriptions, got %d", h.Len())
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	h := New()
	sub, err := h.Subscribe("default", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel after hub close")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close after hub close: %v", err)
	}
	if _, err := h.Subscribe("default", ""); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	h.Notify("default", "x")
}
