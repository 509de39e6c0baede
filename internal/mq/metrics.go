package mq

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	enqueueCount    metric.Int64Counter
	enqueueBytes    metric.Int64Counter
	enqueueDuration metric.Int64Histogram
	claimCount      metric.Int64Counter
	claimDuration   metric.Int64Histogram
	contention      metric.Int64Counter
	ackCount        metric.Int64Counter
	deadLetters     metric.Int64Counter
	invalid         metric.Int64Counter
	reconciled      metric.Int64Counter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/shardq/mq")
	m := &metrics{}
	var err error

	m.enqueueCount, err = meter.Int64Counter(
		"shardq.enqueue",
		metric.WithDescription("Messages enqueued"),
	)
	logMetricInitError(logger, "shardq.enqueue", err)

	m.enqueueBytes, err = meter.Int64Counter(
		"shardq.enqueue.bytes",
		metric.WithDescription("Payload bytes enqueued"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "shardq.enqueue.bytes", err)

	m.enqueueDuration, err = meter.Int64Histogram(
		"shardq.enqueue.duration_ms",
		metric.WithDescription("Enqueue duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "shardq.enqueue.duration_ms", err)

	m.claimCount, err = meter.Int64Counter(
		"shardq.claim.messages",
		metric.WithDescription("Messages leased by claims"),
	)
	logMetricInitError(logger, "shardq.claim.messages", err)

	m.claimDuration, err = meter.Int64Histogram(
		"shardq.claim.duration_ms",
		metric.WithDescription("Claim call duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "shardq.claim.duration_ms", err)

	m.contention, err = meter.Int64Counter(
		"shardq.claim.contention",
		metric.WithDescription("Conditional writes lost to another consumer"),
	)
	logMetricInitError(logger, "shardq.claim.contention", err)

	m.ackCount, err = meter.Int64Counter(
		"shardq.ack",
		metric.WithDescription("Acknowledgements by result"),
	)
	logMetricInitError(logger, "shardq.ack", err)

	m.deadLetters, err = meter.Int64Counter(
		"shardq.dead_letters",
		metric.WithDescription("Envelopes moved to the dead letter area"),
	)
	logMetricInitError(logger, "shardq.dead_letters", err)

	m.invalid, err = meter.Int64Counter(
		"shardq.invalid_messages",
		metric.WithDescription("Undecodable records skipped during scans"),
	)
	logMetricInitError(logger, "shardq.invalid_messages", err)

	m.reconciled, err = meter.Int64Counter(
		"shardq.reconciled",
		metric.WithDescription("Records repaired by the reconciler"),
	)
	logMetricInitError(logger, "shardq.reconciled", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}

func queueAttrs(queue string, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{attribute.String("shardq.queue", queue)}, extra...)
	return metric.WithAttributes(attrs...)
}

func (m *metrics) recordEnqueue(ctx context.Context, queue string, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	opt := queueAttrs(queue)
	if m.enqueueCount != nil {
		m.enqueueCount.Add(ctx, 1, opt)
	}
	if m.enqueueBytes != nil && bytes > 0 {
		m.enqueueBytes.Add(ctx, bytes, opt)
	}
	if m.enqueueDuration != nil {
		m.enqueueDuration.Record(ctx, duration.Milliseconds(), opt)
	}
}

func (m *metrics) recordClaim(ctx context.Context, queue string, claimed, lost int, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	opt := queueAttrs(queue)
	if m.claimCount != nil && claimed > 0 {
		m.claimCount.Add(ctx, int64(claimed), opt)
	}
	if m.contention != nil && lost > 0 {
		m.contention.Add(ctx, int64(lost), opt)
	}
	if m.claimDuration != nil {
		m.claimDuration.Record(ctx, duration.Milliseconds(), opt)
	}
}

func (m *metrics) recordAck(ctx context.Context, queue string, err error) {
	if m == nil || m.ackCount == nil {
		return
	}
	m.ackCount.Add(context.WithoutCancel(ctx), 1, queueAttrs(queue, attribute.String("shardq.result", resultLabel(err))))
}

func (m *metrics) recordDeadLetter(ctx context.Context, queue, reason string) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.Add(context.WithoutCancel(ctx), 1, queueAttrs(queue, attribute.String("shardq.reason", reason)))
}

func (m *metrics) recordInvalid(ctx context.Context, queue string) {
	if m == nil || m.invalid == nil {
		return
	}
	m.invalid.Add(context.WithoutCancel(ctx), 1, queueAttrs(queue))
}

func (m *metrics) recordReconciled(ctx context.Context, queue, kind string, n int) {
	if m == nil || m.reconciled == nil || n <= 0 {
		return
	}
	m.reconciled.Add(context.WithoutCancel(ctx), int64(n), queueAttrs(queue, attribute.String("shardq.kind", kind)))
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
