// Package memory provides an in-process storage.Backend for tests, local
// development and single-process deployments.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/localfeed"
)

// Config configures the in-memory store.
type Config struct {
	// DisableChangeFeed turns off SubscribeChanges so consumers fall back to
	// polling.
	DisableChangeFeed bool
	// Now stamps LastModified; defaults to time.Now.
	Now func() time.Time
}

// Store implements storage.Backend and storage.ChangeFeed in memory.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*bucket
	now        func() time.Time

	feedEnabled bool
	feed        *localfeed.Hub
}

type bucket struct {
	objs   map[string]*object
	sorted []string
}

type object struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns an empty store with the change feed enabled.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty store configured by cfg.
func NewWithConfig(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		namespaces:  make(map[string]*bucket),
		now:         cfg.Now,
		feedEnabled: !cfg.DisableChangeFeed,
		feed:        localfeed.New(),
	}
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "mem://" }

// Close terminates all change subscriptions.
func (s *Store) Close() error {
	s.feed.Close()
	return nil
}

func (s *Store) bucketLocked(namespace string, create bool) *bucket {
	b := s.namespaces[namespace]
	if b == nil && create {
		b = &bucket{objs: make(map[string]*object)}
		s.namespaces[namespace] = b
	}
	return b
}

// ListObjects returns objects under opts.Prefix in lexical key order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := &storage.ListResult{}
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return result, nil
	}
	keys := b.sorted
	from := sort.SearchStrings(keys, opts.Prefix)
	if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
		from = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	for i := from; i < len(keys); i++ {
		key := keys[i]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		obj := b.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         obj.etag,
			Size:         int64(len(obj.payload)),
			LastModified: obj.updated,
			ContentType:  obj.contentType,
		})
	}
	return result, nil
}

// GetObject returns a reader over the stored payload.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	obj, ok := b.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	// payload slices are replaced, never mutated, so sharing them is safe.
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(obj.payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         obj.etag,
			Size:         int64(len(obj.payload)),
			LastModified: obj.updated,
			ContentType:  obj.contentType,
		},
	}, nil
}

// PutObject stores body under key honouring ExpectedETag and IfNotExists.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if key == "" {
		return nil, storage.ErrInvalidKey
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	b := s.bucketLocked(namespace, true)
	current, exists := b.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if current.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	obj := &object{
		payload:     payload,
		etag:        ids.NewETag(),
		contentType: opts.ContentType,
		updated:     s.now().UTC(),
	}
	b.objs[key] = obj
	if !exists {
		idx := sort.SearchStrings(b.sorted, key)
		b.sorted = append(b.sorted, "")
		copy(b.sorted[idx+1:], b.sorted[idx:])
		b.sorted[idx] = key
	}
	s.mu.Unlock()

	s.notify(namespace, key)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         obj.etag,
		Size:         int64(len(payload)),
		LastModified: obj.updated,
		ContentType:  obj.contentType,
	}, nil
}

// DeleteObject removes key, enforcing ExpectedETag when set.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	b := s.bucketLocked(namespace, false)
	var current *object
	if b != nil {
		current = b.objs[key]
	}
	if current == nil {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && current.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(b.objs, key)
	idx := sort.SearchStrings(b.sorted, key)
	if idx < len(b.sorted) && b.sorted[idx] == key {
		b.sorted = append(b.sorted[:idx], b.sorted[idx+1:]...)
	}
	s.mu.Unlock()

	s.notify(namespace, key)
	return nil
}

// SubscribeChanges implements storage.ChangeFeed.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if !s.feedEnabled {
		return nil, storage.ErrNotImplemented
	}
	return s.feed.Subscribe(namespace, prefix)
}

func (s *Store) notify(namespace, key string) {
	if s.feedEnabled {
		s.feed.Notify(namespace, key)
	}
}
