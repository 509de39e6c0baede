package shardq

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/mq"
)

func openTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	cfg.Store = "mem://"
	b, err := Open(context.Background(), cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBrokerSendClaimAck(t *testing.T) {
	b := openTestBroker(t, Config{Shards: 3})
	ctx := context.Background()
	m, err := b.CreateQueue(ctx, "orders")
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if m.Shards != 3 {
		t.Fatalf("expected 3 shards, got %d", m.Shards)
	}
	if _, err := b.CreateQueue(ctx, "orders"); !errors.Is(err, ErrQueueAlreadyExists) {
		t.Fatalf("expected ErrQueueAlreadyExists, got %v", err)
	}
	q, err := b.Queue("orders")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	same, _ := b.Queue("orders")
	if q != same {
		t.Fatal("expected cached queue handle")
	}
	id, err := q.NewProducer().Send(ctx, []byte(`{"order":1}`), mq.SendOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, err := q.Claim(ctx, "c-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("unexpected claim result %d", len(msgs))
	}
	if err := q.Ack(ctx, msgs[0].Receipt); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := q.Ack(ctx, msgs[0].Receipt); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestBrokerQueueRejectsBadName(t *testing.T) {
	b := openTestBroker(t, Config{})
	if _, err := b.Queue("no/slashes"); err == nil {
		t.Fatal("expected invalid queue name error")
	}
	if _, err := b.Reconciler("ok", "no spaces"); err == nil {
		t.Fatal("expected reconciler to reject invalid name")
	}
}

func TestBrokerReconcilerRunOnce(t *testing.T) {
	b := openTestBroker(t, Config{})
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := b.CreateQueue(ctx, name); err != nil {
			t.Fatalf("CreateQueue(%s): %v", name, err)
		}
	}
	r, err := b.Reconciler("a", "b")
	if err != nil {
		t.Fatalf("Reconciler: %v", err)
	}
	stats, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Total() != 0 {
		t.Fatalf("expected no repairs on empty queues, got %+v", stats)
	}
	if _, err := b.Reconciler("missing"); err != nil {
		t.Fatalf("Reconciler: %v", err)
	}
}
