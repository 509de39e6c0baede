package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used for envelopes and payload blobs across backends.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// ErrNotFound indicates the requested key or resource is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
	ErrInvalidKey     = errors.New("storage: invalid key")
	ErrClosed         = errors.New("storage: backend closed")
)

// Backend is the narrow object contract consumed by the queue engine. Every
// key lives inside a namespace; keys sort lexically within it.
type Backend interface {
	// ListObjects enumerates objects under the supplied prefix in ascending
	// lexical order within the namespace. Results are limited by opts.Limit when >0 and resume from
	// opts.StartAfter when provided.
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata. Callers must close the returned reader.
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	// PutObject writes a blob to the provided key, applying conditional
	// semantics when opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key, optionally enforcing a
	// matching ETag when opts.ExpectedETag is set.
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error

	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo captures metadata exposed by object-oriented backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
// ExpectedETag and IfNotExists are mutually exclusive; ExpectedETag wins.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ChangeSubscription receives a coalesced signal whenever an object under the
// subscribed prefix is written or removed.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed indicates the backend can emit change notifications for key
// prefixes. Backends without one are polled.
type ChangeFeed interface {
	SubscribeChanges(namespace, prefix string) (ChangeSubscription, error)
}

// Describer is implemented by backends that can summarise their target
// (bucket, path, address) for logs and the CLI.
type Describer interface {
	Describe() string
}

// ReadAll drains a GetObject result and closes its reader.
func ReadAll(res GetObjectResult) ([]byte, error) {
	if res.Reader == nil {
		return nil, nil
	}
	defer res.Reader.Close()
	return io.ReadAll(res.Reader)
}

// ListAll pages through ListObjects until the prefix is exhausted, invoking
// visit for each object in order. Returning a non-nil error from visit stops
// the walk and returns that error.
func ListAll(ctx context.Context, backend Backend, namespace, prefix string, pageSize int, visit func(ObjectInfo) error) error {
	startAfter := ""
	for {
		res, err := backend.ListObjects(ctx, namespace, ListOptions{Prefix: prefix, StartAfter: startAfter, Limit: pageSize})
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !res.Truncated || res.NextStartAfter == "" || len(res.Objects) == 0 {
			return nil
		}
		startAfter = res.NextStartAfter
	}
}
