// Package retry decorates a storage.Backend with exponential backoff for
// errors marked transient by the underlying adapter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/clock"
	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/storage"
)

// ErrNonReplayableBody is returned when a write failed transiently but its
// body cannot be rewound for another attempt.
var ErrNonReplayableBody = errors.New("retry: request body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Wrap returns a backend that retries transient errors according to cfg.
// Optional capabilities of inner (change feed, describer) stay visible.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "storage.retry"),
		clock:  clock.Or(clk),
		cfg:    cfg.withDefaults(),
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", namespace, opts.Prefix, nil, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, namespace, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var res storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", namespace, key, nil, func(ctx context.Context) error {
		var err error
		res, err = b.inner.GetObject(ctx, namespace, key)
		return err
	})
	return res, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.withRetry(ctx, "put_object", namespace, key, body, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, namespace, key, body, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", namespace, key, nil, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, namespace, key, opts)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(namespace, prefix)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) Describe() string {
	if d, ok := b.inner.(storage.Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", b.inner)
}

// withRetry runs fn until it succeeds, fails permanently or attempts run out.
// A non-nil body is rewound before each retry.
func (b *backend) withRetry(ctx context.Context, op, namespace, key string, body io.Reader, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	var start int64 = -1
	seeker, replayable := body.(io.Seeker)
	if body != nil && replayable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			replayable = false
		} else {
			start = pos
		}
	}
	delay := b.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !storage.IsTransient(err) || attempt >= attempts {
			return err
		}
		if body != nil && !replayable {
			return fmt.Errorf("%w: %w", ErrNonReplayableBody, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		if body != nil {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return fmt.Errorf("retry: rewind body: %w", err)
			}
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
}
