// Package bolt stores queue objects in a single bbolt file. Each namespace is
// a top-level bucket; etags come from the bucket sequence so they never
// repeat, even after a key is deleted and recreated.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"pkt.systems/shardq/internal/storage"
	"pkt.systems/shardq/internal/storage/localfeed"
)

// Config controls the bbolt backend.
type Config struct {
	// Path is the database file. Its directory is created when missing.
	Path string
	// OpenTimeout bounds how long Open waits for the file lock held by
	// another process. Zero waits one second.
	OpenTimeout time.Duration
	// NoSync skips fsync on commit; only for tests.
	NoSync bool
}

// Store implements storage.Backend and storage.ChangeFeed on bbolt.
type Store struct {
	db   *bbolt.DB
	path string
	feed *localfeed.Hub
}

// Record layout: seq(8) | mod unix nanos(8) | content type length(1) |
// content type | payload.
const headerLen = 17

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(cfg.Path, 0o640, &bbolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.Path, err)
	}
	return &Store{db: db, path: cfg.Path, feed: localfeed.New()}, nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "bolt://" + s.path }

// Close closes subscriptions and the database file.
func (s *Store) Close() error {
	s.feed.Close()
	return s.db.Close()
}

func encodeRecord(seq uint64, mod time.Time, contentType string, payload []byte) []byte {
	if len(contentType) > 255 {
		contentType = contentType[:255]
	}
	buf := make([]byte, headerLen+len(contentType)+len(payload))
	binary.BigEndian.PutUint64(buf[0:], seq)
	binary.BigEndian.PutUint64(buf[8:], uint64(mod.UnixNano()))
	buf[16] = uint8(len(contentType))
	copy(buf[headerLen:], contentType)
	copy(buf[headerLen+len(contentType):], payload)
	return buf
}

type record struct {
	etag        string
	mod         time.Time
	contentType string
	payload     []byte
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) < headerLen {
		return record{}, fmt.Errorf("bolt: record too short (%d bytes)", len(buf))
	}
	ctLen := int(buf[16])
	if len(buf) < headerLen+ctLen {
		return record{}, fmt.Errorf("bolt: truncated content type")
	}
	return record{
		etag:        formatETag(binary.BigEndian.Uint64(buf[0:])),
		mod:         time.Unix(0, int64(binary.BigEndian.Uint64(buf[8:]))).UTC(),
		contentType: string(buf[headerLen : headerLen+ctLen]),
		payload:     buf[headerLen+ctLen:],
	}, nil
}

func formatETag(seq uint64) string {
	return strconv.FormatUint(seq, 16)
}

func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	result := &storage.ListResult{}
	prefix := []byte(opts.Prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
			k, v = c.Seek([]byte(opts.StartAfter))
			if k != nil && string(k) == opts.StartAfter {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(prefix)
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				break
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          string(k),
				ETag:         rec.etag,
				Size:         int64(len(rec.payload)),
				LastModified: rec.mod,
				ContentType:  rec.contentType,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n := len(result.Objects); n > 0 {
		result.NextStartAfter = result.Objects[n-1].Key
	}
	return result, nil
}

// GetObject copies the value out of the read transaction.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var (
		rec record
		ok  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		decoded, err := decodeRecord(v)
		if err != nil {
			return err
		}
		decoded.payload = append([]byte(nil), decoded.payload...)
		rec, ok = decoded, true
		return nil
	})
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(rec.payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         rec.etag,
			Size:         int64(len(rec.payload)),
			LastModified: rec.mod,
			ContentType:  rec.contentType,
		},
	}, nil
}

// PutObject applies the conditional check and the write in one update
// transaction.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if namespace == "" || key == "" {
		return nil, fmt.Errorf("%w: namespace and key required", storage.ErrInvalidKey)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("bolt: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	now := time.Now().UTC()
	var etag string
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		current := b.Get([]byte(key))
		switch {
		case opts.ExpectedETag != "":
			if current == nil {
				return storage.ErrNotFound
			}
			rec, err := decodeRecord(current)
			if err != nil {
				return err
			}
			if rec.etag != opts.ExpectedETag {
				return storage.ErrCASMismatch
			}
		case opts.IfNotExists && current != nil:
			return storage.ErrCASMismatch
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		etag = formatETag(seq)
		return b.Put([]byte(key), encodeRecord(seq, now, contentType, payload))
	})
	if err != nil {
		return nil, err
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
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		var current []byte
		if b != nil {
			current = b.Get([]byte(key))
		}
		if current == nil {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		if opts.ExpectedETag != "" {
			rec, err := decodeRecord(current)
			if err != nil {
				return err
			}
			if rec.etag != opts.ExpectedETag {
				return storage.ErrCASMismatch
			}
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	s.feed.Notify(namespace, key)
	return nil
}

// SubscribeChanges implements storage.ChangeFeed. bbolt holds an exclusive
// file lock, so every writer is in this process.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	return s.feed.Subscribe(namespace, prefix)
}
