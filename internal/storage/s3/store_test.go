package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/storagetest"
)

func setupFakeS3(t *testing.T, prefix string) Config {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "shardq-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
	}
}

func TestS3Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, err := New(setupFakeS3(t, "/shardq/"))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	})
}

func TestS3PrefixLayout(t *testing.T) {
	cfg := setupFakeS3(t, "tenant")
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "default", "q/orders/manifest.json", strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := minio.New(cfg.Endpoint, &minio.Options{Creds: cfg.CustomCreds, BucketLookup: minio.BucketLookupPath})
	if err != nil {
		t.Fatalf("raw client: %v", err)
	}
	obj, err := raw.StatObject(ctx, cfg.Bucket, "tenant/default/q/orders/manifest.json", minio.StatObjectOptions{})
	if err != nil {
		t.Fatalf("expected prefixed object: %v", err)
	}
	if obj.Size != 2 {
		t.Fatalf("unexpected size %d", obj.Size)
	}
	if got := store.Describe(); !strings.HasSuffix(got, "/shardq-test/tenant") {
		t.Fatalf("unexpected describe %q", got)
	}
}

func TestS3NewRequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestPutConditionErrors(t *testing.T) {
	cas := storage.PutObjectOptions{ExpectedETag: "etag"}
	classify := func(err error, opts storage.PutObjectOptions) error {
		return storage.ConditionError(isPreconditionFailed(err), isNotFound(err), opts)
	}
	precondition := minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}
	if got := classify(precondition, cas); got != storage.ErrCASMismatch {
		t.Fatalf("expected cas mismatch, got %v", got)
	}
	conflict := minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}
	if got := classify(conflict, storage.PutObjectOptions{IfNotExists: true}); got != storage.ErrCASMismatch {
		t.Fatalf("expected cas mismatch for conflict, got %v", got)
	}
	if got := classify(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "BucketNotEmpty"}, cas); got != nil {
		t.Fatalf("unrelated conflict should pass through, got %v", got)
	}
	missing := minio.ErrorResponse{StatusCode: http.StatusNotFound}
	if got := classify(missing, cas); got != storage.ErrNotFound {
		t.Fatalf("expected not found, got %v", got)
	}
	if got := classify(missing, storage.PutObjectOptions{}); got != nil {
		t.Fatalf("expected nil without expected etag, got %v", got)
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestNotFoundAwareObjectConverts404(t *testing.T) {
	obj := &stubObject{readErr: minio.ErrorResponse{StatusCode: http.StatusNotFound}}
	reader := &notFoundAwareObject{object: obj}
	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Read: expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !obj.closed {
		t.Fatal("Close: expected underlying close to be called")
	}
}
