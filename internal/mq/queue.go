// Package mq implements the sharded queue engine: producers append envelopes
// to shard prefixes of a shared object store, consumers lease them with
// conditional writes and acknowledge them by deleting the leased record.
package mq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/clock"
	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/storage"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultNamespace          = "shardq"
	DefaultShards             = 4
	DefaultLeaseTimeout       = 30 * time.Second
	DefaultMaxAttempts        = 5
	DefaultRequestTimeout     = 10 * time.Second
	DefaultInlinePayloadLimit = 64 << 10
	DefaultMaxPayloadBytes    = 8 << 20
	DefaultMemberTTL          = 30 * time.Second
	DefaultPollInterval       = time.Second
	DefaultScanPageSize       = 128
	DefaultOrphanGrace        = 5 * time.Minute
)

// Config describes a queue handle. Shards, LeaseTimeout and MaxAttempts are
// only used by Create; every other operation reads them from the stored
// manifest.
type Config struct {
	Name      string
	Namespace string

	Shards       int
	LeaseTimeout time.Duration
	MaxAttempts  int

	// RequestTimeout bounds every storage round-trip.
	RequestTimeout     time.Duration
	InlinePayloadLimit int
	MaxPayloadBytes    int
	MemberTTL          time.Duration
	PollInterval       time.Duration
	// Overlap is the number of consumers that own each shard.
	Overlap      int
	ScanPageSize int
	// OrphanGrace is how old an unreferenced payload must be before the
	// reconciler deletes it.
	OrphanGrace time.Duration

	Logger pslog.Logger
	Clock  clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.InlinePayloadLimit <= 0 {
		c.InlinePayloadLimit = DefaultInlinePayloadLimit
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.MemberTTL <= 0 {
		c.MemberTTL = DefaultMemberTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Overlap <= 0 {
		c.Overlap = 1
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = DefaultScanPageSize
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = DefaultOrphanGrace
	}
	c.Logger = loggingutil.EnsureLogger(c.Logger)
	c.Clock = clock.Or(c.Clock)
	return c
}

// Manifest is the provisioning record of a queue.
type Manifest struct {
	Name           string    `json:"name"`
	Shards         int       `json:"shards"`
	LeaseTimeoutMS int64     `json:"lease_timeout_ms"`
	MaxAttempts    int       `json:"max_attempts"`
	CreatedAt      time.Time `json:"created_at"`
}

// LeaseTimeout returns the default lease duration of the queue.
func (m *Manifest) LeaseTimeout() time.Duration {
	return time.Duration(m.LeaseTimeoutMS) * time.Millisecond
}

func (m *Manifest) validate() error {
	if err := ValidateQueueName(m.Name); err != nil {
		return err
	}
	if m.Shards < 1 || m.Shards > MaxShards {
		return fmt.Errorf("shard count %d out of range", m.Shards)
	}
	if m.LeaseTimeoutMS <= 0 {
		return fmt.Errorf("lease timeout must be positive")
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive")
	}
	return nil
}

// Queue is a handle on one named queue in a backend. It is safe for
// concurrent use.
type Queue struct {
	store   storage.Backend
	cfg     Config
	name    string
	ns      string
	clock   clock.Clock
	logger  pslog.Logger
	metrics *metrics

	mu       sync.Mutex
	manifest *Manifest
}

// New returns a handle for cfg.Name in store. The queue is not created; call
// Create once to provision it.
func New(store storage.Backend, cfg Config) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("mq: backend required")
	}
	if err := ValidateQueueName(cfg.Name); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.Shards > MaxShards {
		return nil, fmt.Errorf("mq: shard count %d exceeds %d", cfg.Shards, MaxShards)
	}
	if int64(cfg.InlinePayloadLimit) > int64(cfg.MaxPayloadBytes) {
		cfg.InlinePayloadLimit = cfg.MaxPayloadBytes
	}
	logger := cfg.Logger.With("queue", cfg.Name)
	return &Queue{
		store:   store,
		cfg:     cfg,
		name:    cfg.Name,
		ns:      cfg.Namespace,
		clock:   cfg.Clock,
		logger:  loggingutil.WithSubsystem(logger, "mq"),
		metrics: newMetrics(logger),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Namespace returns the storage namespace the queue lives in.
func (q *Queue) Namespace() string { return q.ns }

// Manifest returns the stored manifest, loading it on first use.
func (q *Queue) Manifest(ctx context.Context) (*Manifest, error) {
	q.mu.Lock()
	cached := q.manifest
	q.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	const op = "manifest"
	rctx, cancel := q.requestContext(ctx)
	defer cancel()
	res, err := q.store.GetObject(rctx, q.ns, manifestKey(q.name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(KindQueueNotFound, op, q.name, "", err)
		}
		return nil, storageError(op, q.name, "", err)
	}
	data, err := storage.ReadAll(res)
	if err != nil {
		return nil, storageError(op, q.name, "", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, newError(KindSerialization, op, q.name, "", err)
	}
	if err := m.validate(); err != nil {
		return nil, newError(KindSerialization, op, q.name, "", err)
	}
	q.mu.Lock()
	q.manifest = &m
	q.mu.Unlock()
	return &m, nil
}

// requestContext bounds one storage round-trip.
func (q *Queue) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.cfg.RequestTimeout)
}

func (q *Queue) now() time.Time {
	return q.clock.Now().UTC()
}

// readEnvelope loads the envelope at key. storage.ErrNotFound is returned
// unwrapped; undecodable records come back as KindInvalidMessage.
func (q *Queue) readEnvelope(ctx context.Context, key string) (*Envelope, string, error) {
	rctx, cancel := q.requestContext(ctx)
	defer cancel()
	res, err := q.store.GetObject(rctx, q.ns, key)
	if err != nil {
		return nil, "", err
	}
	data, err := storage.ReadAll(res)
	if err != nil {
		return nil, "", err
	}
	etag := ""
	if res.Info != nil {
		etag = res.Info.ETag
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, etag, newError(KindInvalidMessage, "decode", q.name, key, err)
	}
	return env, etag, nil
}

// writeEnvelope stores env at key, bumping its revision.
func (q *Queue) writeEnvelope(ctx context.Context, key string, env *Envelope, opts storage.PutObjectOptions) (string, error) {
	env.Type = envelopeType
	env.Revision++
	env.UpdatedAt = q.now()
	data, err := encodeEnvelope(env)
	if err != nil {
		return "", newError(KindSerialization, "encode", q.name, env.ID, err)
	}
	opts.ContentType = storage.ContentTypeJSON
	rctx, cancel := q.requestContext(ctx)
	defer cancel()
	info, err := q.store.PutObject(rctx, q.ns, key, bytes.NewReader(data), opts)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.ETag, nil
}

func (q *Queue) deleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	rctx, cancel := q.requestContext(ctx)
	defer cancel()
	return q.store.DeleteObject(rctx, q.ns, key, opts)
}

func (q *Queue) putBlob(ctx context.Context, key string, data []byte, contentType string, opts storage.PutObjectOptions) error {
	opts.ContentType = contentType
	rctx, cancel := q.requestContext(ctx)
	defer cancel()
	_, err := q.store.PutObject(rctx, q.ns, key, bytes.NewReader(data), opts)
	return err
}

func (q *Queue) readBlob(ctx context.Context, key string) ([]byte, error) {
	rctx, cancel := q.requestContext(ctx)
	defer cancel()
	res, err := q.store.GetObject(rctx, q.ns, key)
	if err != nil {
		return nil, err
	}
	return storage.ReadAll(res)
}

// listPage returns one page of keys under prefix.
func (q *Queue) listPage(ctx context.Context, prefix, startAfter string, limit int) (*storage.ListResult, error) {
	rctx, cancel := q.requestContext(ctx)
	defer cancel()
	return q.store.ListObjects(rctx, q.ns, storage.ListOptions{Prefix: prefix, StartAfter: startAfter, Limit: limit})
}

// walk visits every object under prefix page by page. Each page is a
// separate bounded round-trip.
func (q *Queue) walk(ctx context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	startAfter := ""
	for {
		res, err := q.listPage(ctx, prefix, startAfter, q.cfg.ScanPageSize)
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

// payloadOf returns the message body of env, fetching external payloads.
func (q *Queue) payloadOf(ctx context.Context, env *Envelope) ([]byte, error) {
	if env.PayloadRef == "" {
		if env.Payload == nil {
			return []byte{}, nil
		}
		return env.Payload, nil
	}
	data, err := q.readBlob(ctx, env.PayloadRef)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != env.PayloadSize {
		return nil, fmt.Errorf("payload size %d does not match envelope size %d", len(data), env.PayloadSize)
	}
	return data, nil
}
