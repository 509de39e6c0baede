// Package pebble stores queue objects in an embedded Pebble LSM. Pebble has
// no transactions, so conditional writes serialise on striped in-process
// locks; the database directory lock keeps other processes out.
package pebble

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/localfeed"
)

// Config controls the Pebble backend.
type Config struct {
	// Dir is the database directory.
	Dir string
	// Sync forces a WAL fsync per write. When false Pebble group-commits.
	Sync bool
	// Options allows advanced tuning. Nil uses Pebble defaults.
	Options *pebble.Options
}

const lockStripes = 64

// Store implements storage.Backend and storage.ChangeFeed on Pebble.
type Store struct {
	db    *pebble.DB
	dir   string
	sync  bool
	locks [lockStripes]sync.Mutex
	feed  *localfeed.Hub
}

// Open creates or opens the database in cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("pebble: dir is required")
	}
	po := cfg.Options
	if po == nil {
		po = &pebble.Options{}
	}
	if !cfg.Sync && po.WALMinSyncInterval == nil {
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}
	db, err := pebble.Open(cfg.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", cfg.Dir, err)
	}
	return &Store{db: db, dir: cfg.Dir, sync: cfg.Sync, feed: localfeed.New()}, nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "pebble://" + s.dir }

// Close closes subscriptions and the database.
func (s *Store) Close() error {
	s.feed.Close()
	return s.db.Close()
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) lockFor(namespace, key string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(namespace+"\x00"+key)%lockStripes]
}

func namespacePrefix(namespace string) []byte {
	return []byte("o/" + namespace + "\x00")
}

func dbKey(namespace, key string) []byte {
	return append(namespacePrefix(namespace), key...)
}

// keyUpperBound returns the smallest key greater than every key with prefix b.
func keyUpperBound(b []byte) []byte {
	end := append([]byte(nil), b...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Value layout: etag length(1) | etag | mod unix nanos(8) |
// content type length(1) | content type | payload.
func encodeValue(etag string, mod time.Time, contentType string, payload []byte) []byte {
	if len(contentType) > 255 {
		contentType = contentType[:255]
	}
	buf := make([]byte, 0, 1+len(etag)+8+1+len(contentType)+len(payload))
	buf = append(buf, uint8(len(etag)))
	buf = append(buf, etag...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(mod.UnixNano()))
	buf = append(buf, uint8(len(contentType)))
	buf = append(buf, contentType...)
	return append(buf, payload...)
}

type value struct {
	etag        string
	mod         time.Time
	contentType string
	payload     []byte
}

func decodeValue(buf []byte) (value, error) {
	if len(buf) < 1 {
		return value{}, errors.New("pebble: empty value")
	}
	etagLen := int(buf[0])
	pos := 1 + etagLen
	if len(buf) < pos+9 {
		return value{}, errors.New("pebble: truncated value header")
	}
	v := value{etag: string(buf[1:pos])}
	v.mod = time.Unix(0, int64(binary.BigEndian.Uint64(buf[pos:]))).UTC()
	pos += 8
	ctLen := int(buf[pos])
	pos++
	if len(buf) < pos+ctLen {
		return value{}, errors.New("pebble: truncated content type")
	}
	v.contentType = string(buf[pos : pos+ctLen])
	v.payload = buf[pos+ctLen:]
	return v, nil
}

func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	nsPrefix := namespacePrefix(namespace)
	lower := append(append([]byte(nil), nsPrefix...), opts.Prefix...)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: keyUpperBound(lower)})
	if err != nil {
		return nil, fmt.Errorf("pebble: new iterator: %w", err)
	}
	defer iter.Close()
	var valid bool
	if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
		start := dbKey(namespace, opts.StartAfter)
		valid = iter.SeekGE(start)
		if valid && bytes.Equal(iter.Key(), start) {
			valid = iter.Next()
		}
	} else {
		valid = iter.First()
	}
	result := &storage.ListResult{}
	for ; valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		v, err := decodeValue(iter.Value())
		if err != nil {
			return nil, err
		}
		key := string(iter.Key()[len(nsPrefix):])
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         v.etag,
			Size:         int64(len(v.payload)),
			LastModified: v.mod,
			ContentType:  v.contentType,
		})
		result.NextStartAfter = key
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble: iterate: %w", err)
	}
	return result, nil
}

func (s *Store) load(namespace, key string) (value, bool, error) {
	raw, closer, err := s.db.Get(dbKey(namespace, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return value{}, false, nil
		}
		return value{}, false, fmt.Errorf("pebble: get: %w", err)
	}
	defer closer.Close()
	v, err := decodeValue(raw)
	if err != nil {
		return value{}, false, err
	}
	v.payload = append([]byte(nil), v.payload...)
	return v, true, nil
}

// GetObject copies the value out of Pebble's buffer.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	v, ok, err := s.load(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(v.payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         v.etag,
			Size:         int64(len(v.payload)),
			LastModified: v.mod,
			ContentType:  v.contentType,
		},
	}, nil
}

func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if namespace == "" || key == "" {
		return nil, fmt.Errorf("%w: namespace and key required", storage.ErrInvalidKey)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("pebble: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	mu := s.lockFor(namespace, key)
	mu.Lock()
	current, exists, err := s.load(namespace, key)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if current.etag != opts.ExpectedETag {
			mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	etag := ids.NewETag()
	now := time.Now().UTC()
	batch := s.db.NewBatch()
	if err := batch.Set(dbKey(namespace, key), encodeValue(etag, now, contentType, payload), nil); err != nil {
		batch.Close()
		mu.Unlock()
		return nil, fmt.Errorf("pebble: set: %w", err)
	}
	err = batch.Commit(s.writeOptions())
	batch.Close()
	mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("pebble: commit: %w", err)
	}
	s.feed.Notify(namespace, key)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  contentType,
	}, nil
}

func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	mu := s.lockFor(namespace, key)
	mu.Lock()
	current, exists, err := s.load(namespace, key)
	if err != nil {
		mu.Unlock()
		return err
	}
	if !exists {
		mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && current.etag != opts.ExpectedETag {
		mu.Unlock()
		return storage.ErrCASMismatch
	}
	err = s.db.Delete(dbKey(namespace, key), s.writeOptions())
	mu.Unlock()
	if err != nil {
		return fmt.Errorf("pebble: delete: %w", err)
	}
	s.feed.Notify(namespace, key)
	return nil
}

// SubscribeChanges implements storage.ChangeFeed.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	return s.feed.Subscribe(namespace, prefix)
}
