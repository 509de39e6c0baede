package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SHARDQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SHARDQ_TEST_POSTGRES_DSN not set")
	}
	store, err := Open(context.Background(), Config{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// uniqueNamespace keeps runs against a shared database apart.
type uniqueNamespace struct {
	storage.Backend
	suffix string
}

func (u uniqueNamespace) ns(namespace string) string { return namespace + "-" + u.suffix }

func (u uniqueNamespace) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	return u.Backend.ListObjects(ctx, u.ns(namespace), opts)
}

func (u uniqueNamespace) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	return u.Backend.GetObject(ctx, u.ns(namespace), key)
}

func (u uniqueNamespace) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return u.Backend.PutObject(ctx, u.ns(namespace), key, body, opts)
}

func (u uniqueNamespace) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return u.Backend.DeleteObject(ctx, u.ns(namespace), key, opts)
}

func (u uniqueNamespace) Close() error { return nil }

func TestPostgresConformance(t *testing.T) {
	store := openStore(t)
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return uniqueNamespace{Backend: store, suffix: fmt.Sprintf("%d", time.Now().UnixNano())}
	})
}

func TestPostgresChangeFeed(t *testing.T) {
	store := openStore(t)
	ns := fmt.Sprintf("feed-%d", time.Now().UnixNano())
	sub, err := store.SubscribeChanges(ns, "q/orders/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	time.Sleep(200 * time.Millisecond)
	if _, err := store.PutObject(context.Background(), ns, "q/orders/1", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("expected change event")
	}
}

func TestMigrationURL(t *testing.T) {
	got, err := migrationURL("postgres://user:pw@db:5432/app?sslmode=disable")
	if err != nil {
		t.Fatalf("migrationURL: %v", err)
	}
	if !strings.Contains(got, "x-migrations-table="+migrationsTable) || !strings.Contains(got, "sslmode=disable") {
		t.Fatalf("unexpected url %q", got)
	}
	if _, err := migrationURL("mysql://db/app"); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestIsRetryable(t *testing.T) {
	if !isRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("serialization failure should retry")
	}
	if !isRetryable(&pgconn.PgError{Code: "08006"}) {
		t.Fatal("connection failure should retry")
	}
	if isRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("unique violation should not retry")
	}
	if isRetryable(errors.New("boom")) {
		t.Fatal("plain error should not retry")
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error")
	}
}
