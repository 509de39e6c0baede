package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func redisURL(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("SHARDQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHARDQ_TEST_REDIS_ADDR not set")
	}
	if strings.Contains(addr, "://") {
		return addr
	}
	return "redis://" + addr + "/0"
}

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		URL:    redisURL(t),
		Prefix: fmt.Sprintf("shardq-test-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newStore(t)
	})
}

func TestRedisChangeFeed(t *testing.T) {
	store := newStore(t)
	sub, err := store.SubscribeChanges("default", "q/orders/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "default", "q/other/x", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.PutObject(ctx, "default", "q/orders/x", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("expected change event")
	}
}

func TestLexRange(t *testing.T) {
	cases := []struct {
		prefix, startAfter string
		lower, upper       string
	}{
		{"", "", "-", "+"},
		{"q/a/", "", "[q/a/", "[q/a/\xff"},
		{"q/a/", "q/a/03", "(q/a/03", "[q/a/\xff"},
		{"q/b/", "q/a/zz", "[q/b/", "[q/b/\xff"},
		{"", "k", "(k", "+"},
	}
	for _, tc := range cases {
		lower, upper := lexRange(tc.prefix, tc.startAfter)
		if lower != tc.lower || upper != tc.upper {
			t.Fatalf("lexRange(%q,%q) = %q,%q", tc.prefix, tc.startAfter, lower, upper)
		}
	}
}

func TestRedisNewRequiresURL(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without url")
	}
}
