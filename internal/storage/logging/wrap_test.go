package logging_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/logging"
	"pkt.systems/shardq/internal/storage/memory"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func TestLoggingWrapperConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store := logging.Wrap(memory.New(), pslog.NoopLogger(), "memory")
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestLoggingWrapperPassesThroughErrorsAndFeed(t *testing.T) {
	t.Parallel()

	store := logging.Wrap(memory.New(), nil, "memory")
	defer store.Close()
	ctx := context.Background()
	if _, err := store.GetObject(ctx, "default", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	feed, ok := store.(storage.ChangeFeed)
	if !ok {
		t.Fatal("expected change feed passthrough")
	}
	sub, err := feed.SubscribeChanges("default", "q/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := store.PutObject(ctx, "default", "q/a", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	<-sub.Events()
	if d, ok := store.(storage.Describer); !ok || d.Describe() != "mem://" {
		t.Fatalf("expected describer passthrough")
	}
}
