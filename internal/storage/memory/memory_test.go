package memory_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/memory"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func TestMemoryConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store := memory.New()
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestMemoryChangeFeedSignalsPrefix(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	sub, err := store.SubscribeChanges("default", "q/orders/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	if _, err := store.PutObject(ctx, "default", "q/other/x", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	select {
	case <-sub.Events():
		t.Fatal("unexpected event for foreign prefix")
	default:
	}
	if _, err := store.PutObject(ctx, "default", "q/orders/shard/0000/msg/1", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}
}

func TestMemoryChangeFeedClosedOnStoreClose(t *testing.T) {
	t.Parallel()

	store := memory.New()
	sub, err := store.SubscribeChanges("default", "q/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = store.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close after shutdown: %v", err)
	}
	if _, err := store.SubscribeChanges("default", "q/"); err == nil {
		t.Fatal("expected subscribe after close to fail")
	}
}

func TestMemoryChangeFeedDisabled(t *testing.T) {
	t.Parallel()

	store := memory.NewWithConfig(memory.Config{DisableChangeFeed: true})
	if _, err := store.SubscribeChanges("default", "q/"); err != storage.ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
