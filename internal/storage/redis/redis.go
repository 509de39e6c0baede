// Package redis keeps queue objects in Redis hashes with a sorted-set index
// per namespace for lexical listing. Conditional writes run as Lua scripts so
// the etag check and the write are atomic; every change is published on a
// per-namespace channel that backs the change feed.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
)

// Config controls the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string
	// Prefix namespaces every Redis key. Defaults to "shardq".
	Prefix string
	// Client overrides URL with an existing client.
	Client goredis.UniversalClient
}

// Store implements storage.Backend on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
	target string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

const (
	putResultOK       = 1
	putResultNotFound = -1
	putResultMismatch = -2
)

var putScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if ARGV[4] ~= '' then
  if not cur then return -1 end
  if cur ~= ARGV[4] then return -2 end
elseif ARGV[5] == '1' and cur then
  return -2
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'etag', ARGV[3], 'ctype', ARGV[6], 'mod', ARGV[7], 'size', ARGV[8])
redis.call('ZADD', KEYS[2], 0, ARGV[1])
redis.call('PUBLISH', ARGV[9], ARGV[1])
return 1
`)

var deleteScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if not cur then return -1 end
if ARGV[2] ~= '' and cur ~= ARGV[2] then return -2 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('PUBLISH', ARGV[3], ARGV[1])
return 1
`)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := cfg.Client
	owned := false
	target := "redis"
	if client == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis: url is required")
		}
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		client = goredis.NewClient(opts)
		owned = true
		target = fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB)
	}
	prefix := strings.Trim(cfg.Prefix, ":")
	if prefix == "" {
		prefix = "shardq"
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if owned {
			_ = client.Close()
		}
		return nil, wrapError(err, "redis: ping")
	}
	return &Store{
		client: client,
		prefix: prefix,
		owned:  owned,
		target: target,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string {
	return s.target + " prefix=" + s.prefix
}

// Close shuts down change subscriptions and, when the store dialled the
// connection itself, the client.
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
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) objectKey(namespace, key string) string {
	return s.prefix + ":" + namespace + ":obj:" + key
}

func (s *Store) indexKey(namespace string) string {
	return s.prefix + ":" + namespace + ":idx"
}

func (s *Store) channel(namespace string) string {
	return s.prefix + ":" + namespace + ":changes"
}

func validate(namespace, key string) error {
	if namespace == "" || strings.Contains(namespace, ":") {
		return fmt.Errorf("%w: namespace %q", storage.ErrInvalidKey, namespace)
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", storage.ErrInvalidKey)
	}
	return nil
}

// lexRange returns ZRANGEBYLEX bounds covering keys with prefix that sort
// after startAfter.
func lexRange(prefix, startAfter string) (string, string) {
	lower := "-"
	if prefix != "" {
		lower = "[" + prefix
	}
	if startAfter != "" && startAfter >= prefix {
		lower = "(" + startAfter
	}
	upper := "+"
	if prefix != "" {
		upper = "[" + prefix + "\xff"
	}
	return lower, upper
}

func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: empty namespace", storage.ErrInvalidKey)
	}
	lower, upper := lexRange(opts.Prefix, opts.StartAfter)
	rangeBy := &goredis.ZRangeBy{Min: lower, Max: upper}
	if opts.Limit > 0 {
		rangeBy.Count = int64(opts.Limit + 1)
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(namespace), rangeBy).Result()
	if err != nil {
		return nil, wrapError(err, "redis: list objects")
	}
	result := &storage.ListResult{}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		result.Truncated = true
	}
	if len(keys) == 0 {
		return result, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, s.objectKey(namespace, key), "etag", "size", "ctype", "mod")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, wrapError(err, "redis: list metadata")
	}
	for i, key := range keys {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) != 4 || vals[0] == nil {
			// Deleted between the index read and the metadata read.
			continue
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         asString(vals[0]),
			Size:         asInt64(vals[1]),
			ContentType:  asString(vals[2]),
			LastModified: time.Unix(0, asInt64(vals[3])).UTC(),
		})
	}
	result.NextStartAfter = keys[len(keys)-1]
	return result, nil
}

// GetObject fetches the value and its metadata in one round trip.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := validate(namespace, key); err != nil {
		return storage.GetObjectResult{}, err
	}
	vals, err := s.client.HMGet(ctx, s.objectKey(namespace, key), "data", "etag", "ctype", "mod").Result()
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "redis: get object")
	}
	if len(vals) != 4 || vals[1] == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	data := asString(vals[0])
	return storage.GetObjectResult{
		Reader: io.NopCloser(strings.NewReader(data)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         asString(vals[1]),
			Size:         int64(len(data)),
			ContentType:  asString(vals[2]),
			LastModified: time.Unix(0, asInt64(vals[3])).UTC(),
		},
	}, nil
}

// PutObject writes the value through the conditional put script.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := validate(namespace, key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("redis: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	etag := ids.NewETag()
	now := time.Now().UTC()
	ifNotExists := "0"
	if opts.IfNotExists {
		ifNotExists = "1"
	}
	res, err := putScript.Run(ctx, s.client,
		[]string{s.objectKey(namespace, key), s.indexKey(namespace)},
		key, data, etag, opts.ExpectedETag, ifNotExists, contentType, now.UnixNano(), len(data), s.channel(namespace),
	).Int()
	if err != nil {
		return nil, wrapError(err, "redis: put object")
	}
	switch res {
	case putResultNotFound:
		return nil, storage.ErrNotFound
	case putResultMismatch:
		pslog.LoggerFromContext(ctx).Debug("redis.put_object.cas_mismatch", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag)
		return nil, storage.ErrCASMismatch
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(data)),
		ContentType:  contentType,
		LastModified: now,
	}, nil
}

// DeleteObject removes the value through the conditional delete script.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := validate(namespace, key); err != nil {
		return err
	}
	res, err := deleteScript.Run(ctx, s.client,
		[]string{s.objectKey(namespace, key), s.indexKey(namespace)},
		key, opts.ExpectedETag, s.channel(namespace),
	).Int()
	if err != nil {
		return wrapError(err, "redis: delete object")
	}
	switch res {
	case putResultNotFound:
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	case putResultMismatch:
		return storage.ErrCASMismatch
	}
	return nil
}

// SubscribeChanges listens on the namespace channel and signals for keys
// under prefix.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.client.Subscribe(ctx, s.channel(namespace))
	sub := &subscription{
		store:  s,
		pubsub: ps,
		cancel: cancel,
		prefix: prefix,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

type subscription struct {
	store  *Store
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	prefix string
	events chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run() {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !strings.HasPrefix(msg.Payload, s.prefix) {
				continue
			}
			select {
			case s.events <- struct{}{}:
			default:
			}
		}
	}
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.pubsub.Close()
		s.store.mu.Lock()
		if s.store.subs != nil {
			delete(s.store.subs, s)
		}
		s.store.mu.Unlock()
	})
	return err
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asInt64(v any) int64 {
	n, _ := strconv.ParseInt(asString(v), 10, 64)
	return n
}

func wrapError(err error, msg string) error {
	return storage.WrapError(err, msg, storage.IsRetryableNetworkError)
}
