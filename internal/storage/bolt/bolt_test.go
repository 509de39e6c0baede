package bolt

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(Config{Path: path, NoSync: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return store
}

func TestBoltConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store := openStore(t, filepath.Join(t.TempDir(), "data", "shardq.db"))
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestBoltETagsSurviveRecreateAndReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shardq.db")
	store := openStore(t, path)
	ctx := context.Background()
	first, err := store.PutObject(ctx, "default", "q/a", strings.NewReader("same"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "q/a", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, err := store.PutObject(ctx, "default", "q/a", strings.NewReader("same"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if first.ETag == second.ETag {
		t.Fatalf("etag reused after recreate: %s", first.ETag)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openStore(t, path)
	defer reopened.Close()
	res, err := reopened.GetObject(ctx, "default", "q/a")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	data, err := storage.ReadAll(res)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "same" || res.Info.ETag != second.ETag {
		t.Fatalf("unexpected object %q etag %s", data, res.Info.ETag)
	}
	third, err := reopened.PutObject(ctx, "default", "q/a", strings.NewReader("same"), storage.PutObjectOptions{ExpectedETag: second.ETag})
	if err != nil {
		t.Fatalf("cas put: %v", err)
	}
	if third.ETag == second.ETag {
		t.Fatal("expected fresh etag after reopen")
	}
}

func TestBoltChangeFeed(t *testing.T) {
	t.Parallel()

	store := openStore(t, filepath.Join(t.TempDir(), "shardq.db"))
	defer store.Close()
	sub, err := store.SubscribeChanges("default", "q/orders/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := store.PutObject(context.Background(), "default", "q/orders/1", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}
}

func TestDecodeRecordRejectsShortInput(t *testing.T) {
	t.Parallel()

	if _, err := decodeRecord([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error")
	}
	rec, err := decodeRecord(encodeRecord(42, time.Unix(10, 0), "application/json", []byte("{}")))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.etag != "2a" || rec.contentType != "application/json" || string(rec.payload) != "{}" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
