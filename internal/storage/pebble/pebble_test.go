package pebble

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPebbleConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openStore(t)
	})
}

func TestPebbleConcurrentCASSingleWinner(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	base, err := store.PutObject(ctx, "default", "q/a/env", strings.NewReader("v0"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.PutObject(ctx, "default", "q/a/env", strings.NewReader("v1"), storage.PutObjectOptions{ExpectedETag: base.ETag})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestPebbleNamespacePrefixIsolation(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	for _, ns := range []string{"a", "ab"} {
		if _, err := store.PutObject(ctx, ns, "k", strings.NewReader(ns), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	res, err := store.ListObjects(ctx, "a", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "k" {
		t.Fatalf("unexpected listing %+v", res.Objects)
	}
}

func TestPebbleChangeFeed(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	sub, err := store.SubscribeChanges("default", "q/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := store.PutObject(context.Background(), "default", "q/x", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}
}

func TestKeyUpperBound(t *testing.T) {
	t.Parallel()

	if got := keyUpperBound([]byte("ab")); !bytes.Equal(got, []byte("ac")) {
		t.Fatalf("unexpected bound %q", got)
	}
	if got := keyUpperBound([]byte{'a', 0xff}); !bytes.Equal(got, []byte("b")) {
		t.Fatalf("unexpected bound %q", got)
	}
	if got := keyUpperBound([]byte{0xff}); got != nil {
		t.Fatalf("expected nil bound, got %q", got)
	}
}

func TestValueRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 5).UTC()
	v, err := decodeValue(encodeValue("etag-1", now, "application/json", []byte(`{"a":1}`)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.etag != "etag-1" || !v.mod.Equal(now) || v.contentType != "application/json" || string(v.payload) != `{"a":1}` {
		t.Fatalf("unexpected value %+v", v)
	}
	if _, err := decodeValue([]byte{5, 'a'}); err == nil {
		t.Fatal("expected truncation error")
	}
}
