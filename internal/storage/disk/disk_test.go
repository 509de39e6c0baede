package disk_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/disk"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func newStore(t *testing.T, cfg disk.Config) *disk.Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	store, err := disk.New(cfg)
	if err != nil {
		t.Fatalf("disk.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDiskConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newStore(t, disk.Config{DisableChangeFeed: true})
	})
}

func TestDiskRequiresRoot(t *testing.T) {
	t.Parallel()

	if _, err := disk.New(disk.Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestDiskRejectsTraversal(t *testing.T) {
	t.Parallel()

	store := newStore(t, disk.Config{DisableChangeFeed: true})
	ctx := context.Background()
	for _, key := range []string{"../escape", "q/../../x", "/abs", "q/a.info.json"} {
		if _, err := store.PutObject(ctx, "default", key, strings.NewReader("x"), storage.PutObjectOptions{}); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", key, err)
		}
	}
	if _, err := store.PutObject(ctx, "../ns", "q/a", strings.NewReader("x"), storage.PutObjectOptions{}); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for namespace, got %v", err)
	}
}

func TestDiskDeletePrunesEmptyDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := newStore(t, disk.Config{Root: root, DisableChangeFeed: true})
	ctx := context.Background()
	info, err := store.PutObject(ctx, "default", "q/orders/shard/0000/msg/5-x", strings.NewReader("x"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "q/orders/shard/0000/msg/5-x", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "objects", "default", "q")); !os.IsNotExist(err) {
		t.Fatalf("expected empty tree to be pruned, stat err=%v", err)
	}
}

func TestDiskStaleSidecarFallsBackToContentHash(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := newStore(t, disk.Config{Root: root, DisableChangeFeed: true})
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "default", "q/a/k", strings.NewReader("one"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	dataPath := filepath.Join(root, "objects", "default", "q", "a", "k")
	if err := os.WriteFile(dataPath, []byte("rewritten out of band"), 0o644); err != nil {
		t.Fatalf("rewrite data: %v", err)
	}
	res, err := store.GetObject(ctx, "default", "q/a/k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = storage.ReadAll(res)
	list, err := store.ListObjects(ctx, "default", storage.ListOptions{Prefix: "q/a/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 1 || list.Objects[0].ETag != res.Info.ETag {
		t.Fatalf("list etag %+v does not match content etag %q", list.Objects, res.Info.ETag)
	}
}

func TestDiskConcurrentCASHasSingleWinner(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a := newStore(t, disk.Config{Root: root, DisableChangeFeed: true})
	b := newStore(t, disk.Config{Root: root, DisableChangeFeed: true})
	ctx := context.Background()
	info, err := a.PutObject(ctx, "default", "q/a/env", strings.NewReader("base"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		store := a
		if i%2 == 1 {
			store = b
		}
		wg.Add(1)
		go func(i int, store *disk.Store) {
			defer wg.Done()
			_, err := store.PutObject(ctx, "default", "q/a/env", strings.NewReader(strings.Repeat("x", i+1)), storage.PutObjectOptions{ExpectedETag: info.ETag})
			results <- err
		}(i, store)
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrCASMismatch):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one CAS winner, got %d", wins)
	}
}

func TestDiskChangeFeed(t *testing.T) {
	t.Parallel()

	store := newStore(t, disk.Config{})
	if enabled, _ := store.ChangeFeedStatus(); !enabled {
		t.Skip("change feed unavailable on this filesystem")
	}
	sub, err := store.SubscribeChanges("default", "q/orders/shard/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "default", "q/orders/shard/0003/msg/5-x", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("expected change notification")
	}
}
