package mq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"pkt.systems/shardq/internal/storage"
)

// Create provisions the queue by writing its manifest. Creating an existing
// queue fails with ErrQueueAlreadyExists.
func (q *Queue) Create(ctx context.Context) (*Manifest, error) {
	const op = "create"
	m := &Manifest{
		Name:           q.name,
		Shards:         q.cfg.Shards,
		LeaseTimeoutMS: q.cfg.LeaseTimeout.Milliseconds(),
		MaxAttempts:    q.cfg.MaxAttempts,
		CreatedAt:      q.now(),
	}
	if err := m.validate(); err != nil {
		return nil, newError(KindSerialization, op, q.name, "", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, newError(KindSerialization, op, q.name, "", err)
	}
	err = q.putBlob(ctx, manifestKey(q.name), data, storage.ContentTypeJSON, storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil, newError(KindQueueAlreadyExists, op, q.name, "", err)
		}
		return nil, storageError(op, q.name, "", err)
	}
	q.mu.Lock()
	q.manifest = m
	q.mu.Unlock()
	q.logger.Info("mq.queue.created", "shards", m.Shards, "lease_timeout", m.LeaseTimeout(), "max_attempts", m.MaxAttempts)
	return m, nil
}

// Clear removes every envelope and every payload not referenced by a dead
// letter, shard by shard. It is not atomic: messages sent concurrently may
// survive. Dead letters are kept.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	const op = "clear"
	m, err := q.Manifest(ctx)
	if err != nil {
		return 0, err
	}
	keep, err := q.deadLetterPayloads(ctx)
	if err != nil {
		return 0, storageError(op, q.name, "", err)
	}
	removed := 0
	for shard := range m.Shards {
		err := q.walk(ctx, messagePrefix(q.name, shard), func(obj storage.ObjectInfo) error {
			if err := q.deleteObject(ctx, obj.Key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
				return err
			}
			removed++
			return nil
		})
		if err != nil {
			return removed, storageError(op, q.name, "", err)
		}
		err = q.walk(ctx, payloadPrefix(q.name, shard), func(obj storage.ObjectInfo) error {
			if _, ok := keep[obj.Key]; ok {
				return nil
			}
			return q.deleteObject(ctx, obj.Key, storage.DeleteObjectOptions{IgnoreNotFound: true})
		})
		if err != nil {
			return removed, storageError(op, q.name, "", err)
		}
	}
	q.logger.Info("mq.queue.cleared", "removed", removed)
	return removed, nil
}

// MessageCount estimates the number of live envelopes, leased ones included.
func (q *Queue) MessageCount(ctx context.Context) (int64, error) {
	counts, err := q.ShardCounts(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// ShardCounts estimates live envelopes per shard, keyed <queue>:<index>.
func (q *Queue) ShardCounts(ctx context.Context) (map[string]int64, error) {
	const op = "shard_counts"
	m, err := q.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, m.Shards)
	for shard := range m.Shards {
		var n int64
		err := q.walk(ctx, messagePrefix(q.name, shard), func(storage.ObjectInfo) error {
			n++
			return nil
		})
		if err != nil {
			return nil, storageError(op, q.name, "", err)
		}
		counts[ShardID(q.name, shard)] = n
	}
	return counts, nil
}

// ShardID names a shard as <queue>:<index>.
func ShardID(queue string, shard int) string {
	return queue + ":" + strconv.Itoa(shard)
}

// deadLetterPayloads returns the external payload keys referenced by the
// dead letter area.
func (q *Queue) deadLetterPayloads(ctx context.Context) (map[string]struct{}, error) {
	refs := make(map[string]struct{})
	err := q.walk(ctx, dlqPrefix(q.name), func(obj storage.ObjectInfo) error {
		env, _, err := q.readEnvelope(ctx, obj.Key)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case KindOf(err) == KindInvalidMessage:
			q.logger.Warn("mq.dlq.invalid", "key", obj.Key, "error", err)
			return nil
		default:
			return err
		}
		if env.PayloadRef != "" {
			refs[env.PayloadRef] = struct{}{}
		}
		return nil
	})
	return refs, err
}
