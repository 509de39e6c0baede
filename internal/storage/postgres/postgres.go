// Package postgres stores queue objects in a single PostgreSQL table.
// Conditional writes are single statements guarded on the etag column, and a
// row trigger publishes every change through LISTEN/NOTIFY.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/storage"
)

const notifyChannel = "shardq_changes"

// Config controls the PostgreSQL backend.
type Config struct {
	DSN            string
	MaxOpenConns   int
	SkipMigrations bool
	Logger         pslog.Logger
}

// Store implements storage.Backend and storage.ChangeFeed on PostgreSQL.
type Store struct {
	db     *sql.DB
	dsn    string
	logger pslog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Open connects, verifies connectivity and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	if !cfg.SkipMigrations {
		if err := Migrate(cfg.DSN); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapError(err, "postgres: ping")
	}
	return &Store{
		db:     db,
		dsn:    cfg.DSN,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.postgres"),
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Describe implements storage.Describer without leaking credentials.
func (s *Store) Describe() string {
	u, err := url.Parse(s.dsn)
	if err != nil {
		return "postgres"
	}
	return "postgres://" + u.Host + u.Path
}

// Close stops listeners and the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return s.db.Close()
}

func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit + 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, etag, size, content_type, modified
		FROM shardq_objects
		WHERE namespace = $1 AND left(key, char_length($2)) = $2 AND key > $3
		ORDER BY key
		LIMIT $4`, namespace, opts.Prefix, opts.StartAfter, limit)
	if err != nil {
		return nil, wrapError(err, "postgres: list objects")
	}
	defer rows.Close()
	result := &storage.ListResult{}
	for rows.Next() {
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		var info storage.ObjectInfo
		if err := rows.Scan(&info.Key, &info.ETag, &info.Size, &info.ContentType, &info.LastModified); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		info.LastModified = info.LastModified.UTC()
		result.Objects = append(result.Objects, info)
		result.NextStartAfter = info.Key
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "postgres: list objects")
	}
	return result, nil
}

func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	info := &storage.ObjectInfo{Key: key}
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT etag, size, content_type, modified, data
		FROM shardq_objects WHERE namespace = $1 AND key = $2`, namespace, key).
		Scan(&info.ETag, &info.Size, &info.ContentType, &info.LastModified, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "postgres: get object")
	}
	info.LastModified = info.LastModified.UTC()
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(data)), Info: info}, nil
}

func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if namespace == "" || key == "" {
		return nil, fmt.Errorf("%w: namespace and key required", storage.ErrInvalidKey)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("postgres: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	etag := ids.NewETag()
	now := time.Now().UTC()
	args := []any{namespace, key, etag, contentType, int64(len(data)), now, data}
	var res sql.Result
	switch {
	case opts.ExpectedETag != "":
		res, err = s.db.ExecContext(ctx, `
			UPDATE shardq_objects
			SET etag = $3, content_type = $4, size = $5, modified = $6, data = $7
			WHERE namespace = $1 AND key = $2 AND etag = $8`, append(args, opts.ExpectedETag)...)
	case opts.IfNotExists:
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO shardq_objects (namespace, key, etag, content_type, size, modified, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (namespace, key) DO NOTHING`, args...)
	default:
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO shardq_objects (namespace, key, etag, content_type, size, modified, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (namespace, key) DO UPDATE
			SET etag = EXCLUDED.etag, content_type = EXCLUDED.content_type, size = EXCLUDED.size,
			    modified = EXCLUDED.modified, data = EXCLUDED.data`, args...)
	}
	if err != nil {
		return nil, wrapError(err, "postgres: put object")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if opts.ExpectedETag != "" {
			return nil, s.missOrMismatch(ctx, namespace, key)
		}
		return nil, storage.ErrCASMismatch
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(data)),
		LastModified: now,
		ContentType:  contentType,
	}, nil
}

func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	var (
		res sql.Result
		err error
	)
	if opts.ExpectedETag != "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM shardq_objects WHERE namespace = $1 AND key = $2 AND etag = $3`, namespace, key, opts.ExpectedETag)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM shardq_objects WHERE namespace = $1 AND key = $2`, namespace, key)
	}
	if err != nil {
		return wrapError(err, "postgres: delete object")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	err = storage.ErrNotFound
	if opts.ExpectedETag != "" {
		err = s.missOrMismatch(ctx, namespace, key)
	}
	if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
		return nil
	}
	return err
}

// missOrMismatch tells a missing row from a stale etag after a guarded
// statement touched nothing.
func (s *Store) missOrMismatch(ctx context.Context, namespace, key string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM shardq_objects WHERE namespace = $1 AND key = $2)`, namespace, key).Scan(&exists)
	if err != nil {
		return wrapError(err, "postgres: check object")
	}
	if exists {
		return storage.ErrCASMismatch
	}
	return storage.ErrNotFound
}

// SubscribeChanges opens a dedicated connection that LISTENs for the row
// trigger's notifications.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		store:  s,
		match:  namespace + "\n" + prefix,
		cancel: cancel,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	go sub.run(ctx)
	return sub, nil
}

type subscription struct {
	store  *Store
	match  string
	cancel context.CancelFunc
	events chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.store.mu.Lock()
		if s.store.subs != nil {
			delete(s.store.subs, s)
		}
		s.store.mu.Unlock()
	})
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	for ctx.Err() == nil {
		err := s.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		s.store.logger.Warn("postgres change feed interrupted", "error", err)
		// Signal so consumers rescan anything missed while reconnecting.
		s.signal()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *subscription) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.store.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(n.Payload, s.match) {
			s.signal()
		}
	}
}

func (s *subscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func wrapError(err error, msg string) error {
	return storage.WrapError(err, msg, isRetryable)
}

// isRetryable treats connection failures and serialization, deadlock and
// admin-shutdown SQLSTATEs as transient.
func isRetryable(err error) bool {
	if storage.IsRetryableNetworkError(err) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}
