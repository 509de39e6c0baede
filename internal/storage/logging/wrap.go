// Package logging decorates a storage.Backend with trace/debug logging and an
// OpenTelemetry span per adapter call.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	name   string
}

// Wrap decorates inner. name identifies the backend kind ("s3", "disk", ...)
// in log fields and span attributes.
func Wrap(inner storage.Backend, logger pslog.Logger, name string) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, loggingutil.Subsystem("storage", name)),
		tracer: otel.Tracer("pkt.systems/shardq/storage"),
		name:   name,
	}
}

type call struct {
	span   trace.Span
	logger pslog.Logger
	begin  time.Time
	op     string
}

func (b *backend) start(ctx context.Context, op, namespace string, attrs ...attribute.KeyValue) (context.Context, *call) {
	ctx, span := b.tracer.Start(ctx, "shardq.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("shardq.storage.operation", op),
		attribute.String("shardq.storage.backend", b.name),
		attribute.String("shardq.storage.namespace", namespace),
	)
	span.SetAttributes(attrs...)
	logger := loggingutil.FromContext(ctx, b.logger).With("namespace", namespace)
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, &call{span: span, logger: logger, begin: time.Now(), op: op}
}

// done records the outcome of c. Expected conditional-write outcomes are
// logged at debug level without marking the span as failed.
func (c *call) done(err error, keyvals ...any) {
	defer c.span.End()
	elapsed := time.Since(c.begin)
	keyvals = append(keyvals, "elapsed", elapsed)
	switch {
	case err == nil:
		c.span.SetStatus(codes.Ok, "")
		c.logger.Debug("storage."+c.op+".success", keyvals...)
	case isExpected(err):
		c.span.SetAttributes(attribute.String("shardq.storage.result", outcome(err)))
		c.logger.Debug("storage."+c.op+"."+outcome(err), keyvals...)
	default:
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "storage_error")
		c.logger.Debug("storage."+c.op+".error", append(keyvals, "error", err)...)
	}
}

func isExpected(err error) bool {
	return outcome(err) != "error"
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrCASMismatch):
		return "cas_mismatch"
	}
	return "error"
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, c := b.start(ctx, "list_objects", namespace,
		attribute.String("shardq.storage.prefix", opts.Prefix),
		attribute.Int("shardq.storage.limit", opts.Limit),
	)
	c.logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	res, err := b.inner.ListObjects(ctx, namespace, opts)
	count, truncated := 0, false
	if res != nil {
		count, truncated = len(res.Objects), res.Truncated
	}
	c.span.SetAttributes(attribute.Int("shardq.storage.object_count", count))
	c.done(err, "prefix", opts.Prefix, "count", count, "truncated", truncated)
	return res, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, c := b.start(ctx, "get_object", namespace, attribute.String("shardq.storage.key", key))
	c.logger.Trace("storage.get_object.begin", "key", key)
	res, err := b.inner.GetObject(ctx, namespace, key)
	etag, size := "", int64(0)
	if res.Info != nil {
		etag, size = res.Info.ETag, res.Info.Size
	}
	c.span.SetAttributes(attribute.Int64("shardq.storage.object_size", size))
	c.done(err, "key", key, "etag", etag, "size", size)
	return res, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, c := b.start(ctx, "put_object", namespace,
		attribute.String("shardq.storage.key", key),
		attribute.Bool("shardq.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("shardq.storage.if_not_exists", opts.IfNotExists),
	)
	c.logger.Trace("storage.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	etag := ""
	if info != nil {
		etag = info.ETag
	}
	c.done(err, "key", key, "etag", etag)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, c := b.start(ctx, "delete_object", namespace,
		attribute.String("shardq.storage.key", key),
		attribute.Bool("shardq.storage.expected_etag", opts.ExpectedETag != ""),
	)
	c.logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	err := b.inner.DeleteObject(ctx, namespace, key, opts)
	c.done(err, "key", key)
	return err
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "error", err)
	}
	return err
}

func (b *backend) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeChanges(namespace, prefix)
	if err != nil {
		b.logger.Debug("storage.subscribe_changes.unavailable", "namespace", namespace, "prefix", prefix, "error", err)
		return nil, err
	}
	b.logger.Debug("storage.subscribe_changes.success", "namespace", namespace, "prefix", prefix)
	return sub, nil
}

func (b *backend) Describe() string {
	if d, ok := b.inner.(storage.Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%s backend", b.name)
}
