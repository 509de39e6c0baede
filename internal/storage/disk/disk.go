// Package disk implements storage.Backend on a local or shared POSIX
// filesystem. Objects are plain files renamed into place; the etag is the
// SHA-256 of the content and a JSON sidecar caches it with the content type.
// Conditional writes are serialised with an in-process mutex plus an advisory
// file lock so several processes can share one root.
package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/storage"
)

const (
	infoSuffix  = ".info.json"
	lockStripes = 64
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// DisableChangeFeed turns off fsnotify based change notifications.
	DisableChangeFeed bool
	Now               func() time.Time
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lockDir   string
	now       func() time.Time

	feedEnabled bool
	feedReason  string
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
	DataModNanos  int64  `json:"data_mod_nanos,omitempty"`
	Size          int64  `json:"size"`
}

var processLocks sync.Map

func processMutex(path string) *sync.Mutex {
	mu, _ := processLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// New prepares the directory layout under cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	switch {
	case cfg.DisableChangeFeed:
		s.feedReason = "config_disabled"
	case isNFS(root):
		s.feedReason = "filesystem_not_supported"
	default:
		s.feedEnabled = true
		s.feedReason = "fsnotify"
	}
	return s, nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "disk://" + filepath.ToSlash(s.root) }

// ChangeFeedStatus reports whether fsnotify notifications are active and why.
func (s *Store) ChangeFeedStatus() (bool, string) { return s.feedEnabled, s.feedReason }

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, nil).With("storage_backend", "disk")
}

func validNamespace(namespace string) error {
	if namespace == "" || strings.ContainsAny(namespace, `/\`) || strings.Contains(namespace, "..") {
		return fmt.Errorf("disk: invalid namespace %q: %w", namespace, storage.ErrInvalidKey)
	}
	return nil
}

func normalizeKey(key string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || clean == "" || clean != key || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q: %w", key, storage.ErrInvalidKey)
	}
	return clean, nil
}

func (s *Store) namespaceDir(namespace string) string {
	return filepath.Join(s.objectDir, namespace)
}

func (s *Store) dataPath(namespace, key string) (string, error) {
	if err := validNamespace(namespace); err != nil {
		return "", err
	}
	clean, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.namespaceDir(namespace), filepath.FromSlash(clean)), nil
}

// lock serialises conditional mutations of key within and across processes.
// Keys hash onto a fixed set of stripe files per namespace.
func (s *Store) lock(namespace, key string) (func(), error) {
	dir := filepath.Join(s.lockDir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare lock directory: %w", err)
	}
	lockPath := filepath.Join(dir, fmt.Sprintf("%02d.lock", xxhash.Sum64String(key)%lockStripes))
	mu := processMutex(lockPath)
	mu.Lock()
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
		mu.Unlock()
	}, nil
}

// readObject returns the current content of key with its authoritative etag.
func (s *Store) readObject(dataPath, key string) ([]byte, *storage.ObjectInfo, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	if fi.IsDir() {
		return nil, nil, storage.ErrNotFound
	}
	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("disk: read object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         contentETag(payload),
		Size:         int64(len(payload)),
		LastModified: fi.ModTime().UTC(),
	}
	if rec, err := readSidecar(dataPath); err == nil {
		info.ContentType = rec.ContentType
	}
	return payload, info, nil
}

func readSidecar(dataPath string) (objectInfoRecord, error) {
	var rec objectInfoRecord
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// listInfo prefers the sidecar and falls back to hashing the content when
// the sidecar is missing or stale.
func (s *Store) listInfo(dataPath, key string, fi fs.FileInfo) (*storage.ObjectInfo, error) {
	rec, err := readSidecar(dataPath)
	if err == nil && rec.ETag != "" && rec.DataModNanos == fi.ModTime().UnixNano() && rec.Size == fi.Size() {
		return &storage.ObjectInfo{
			Key:          key,
			ETag:         rec.ETag,
			Size:         fi.Size(),
			LastModified: fi.ModTime().UTC(),
			ContentType:  rec.ContentType,
		}, nil
	}
	_, info, err := s.readObject(dataPath, key)
	return info, err
}

// ListObjects walks the directory holding opts.Prefix and returns matching
// keys in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.loggers(ctx)
	start := time.Now()
	logger.Trace("disk.list_objects.begin", "namespace", namespace, "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	if err := validNamespace(namespace); err != nil {
		return nil, err
	}
	base := s.namespaceDir(namespace)
	walkRoot := base
	if idx := strings.LastIndex(opts.Prefix, "/"); idx > 0 {
		walkRoot = filepath.Join(base, filepath.FromSlash(opts.Prefix[:idx]))
	}
	var keys []string
	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "namespace", namespace, "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		dataPath := filepath.Join(base, filepath.FromSlash(key))
		fi, err := os.Stat(dataPath)
		if err != nil {
			continue
		}
		info, err := s.listInfo(dataPath, key, fi)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	logger.Debug("disk.list_objects.success",
		"namespace", namespace,
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger := s.loggers(ctx)
	logger.Trace("disk.get_object.begin", "namespace", namespace, "key", key)
	dataPath, err := s.dataPath(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	payload, info, err := s.readObject(dataPath, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	logger.Debug("disk.get_object.success", "namespace", namespace, "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: info}, nil
}

func contentETag(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PutObject writes an object with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	logger.Trace("disk.put_object.begin", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	dataPath, err := s.dataPath(namespace, key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("disk: read body for %q: %w", key, err)
	}
	unlock, err := s.lock(namespace, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		_, current, err := s.readObject(dataPath, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			logger.Debug("disk.put_object.cas_missing", "namespace", namespace, "key", key)
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && opts.IfNotExists && current != nil:
			logger.Debug("disk.put_object.exists", "namespace", namespace, "key", key)
			return nil, storage.ErrCASMismatch
		}
	}
	now := s.now().UTC()
	etag := contentETag(payload)
	// A concurrent delete of a sibling key may prune the parent directory
	// between MkdirAll and the rename.
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
		}
		err := s.writeAtomic(dataPath, payload)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) || attempt == 2 {
			return nil, fmt.Errorf("disk: write object %q: %w", key, err)
		}
	}
	sidecar := objectInfoRecord{ETag: etag, ContentType: opts.ContentType, UpdatedAtUnix: now.Unix(), Size: int64(len(payload))}
	if fi, err := os.Stat(dataPath); err == nil {
		sidecar.DataModNanos = fi.ModTime().UnixNano()
	}
	rec, err := json.Marshal(sidecar)
	if err != nil {
		return nil, fmt.Errorf("disk: encode object metadata for %q: %w", key, err)
	}
	if err := s.writeAtomic(dataPath+infoSuffix, rec); err != nil {
		// the data rename already committed; listings fall back to hashing
		logger.Debug("disk.put_object.sidecar_error", "namespace", namespace, "key", key, "error", err)
	}
	logger.Debug("disk.put_object.success", "namespace", namespace, "key", key, "etag", etag, "size", len(payload))
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes an object applying optional CAS semantics and prunes
// directories left empty.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	logger := s.loggers(ctx)
	logger.Trace("disk.delete_object.begin", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag)
	dataPath, err := s.dataPath(namespace, key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(namespace, key)
	if err != nil {
		return err
	}
	defer unlock()
	_, info, err := s.readObject(dataPath, key)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		logger.Debug("disk.delete_object.cas_mismatch", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag, "current_etag", info.ETag)
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_info_error", "namespace", namespace, "key", key, "error", err)
	}
	logger.Debug("disk.delete_object.success", "namespace", namespace, "key", key)

	stop := s.namespaceDir(namespace)
	for dir := filepath.Dir(dataPath); dir != stop && strings.HasPrefix(dir, stop); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, os.ErrNotExist) {
				logger.Debug("disk.delete_object.prune_error", "dir", dir, "error", err)
			}
			break
		}
	}
	return nil
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "shardq-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
