package mq

import (
	"context"
	"errors"

	"pkt.systems/shardq/internal/storage"
)

// Peek returns up to limit visible messages, in shard then key order,
// without leasing them. The returned receipts carry no token.
func (q *Queue) Peek(ctx context.Context, limit int) ([]*Message, error) {
	const op = "peek"
	m, err := q.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*Message{}, nil
	}
	out := make([]*Message, 0, min(limit, 256))
	now := q.now()
	for shard := range m.Shards {
		err := q.walk(ctx, messagePrefix(q.name, shard), func(obj storage.ObjectInfo) error {
			env, _, err := q.readEnvelope(ctx, obj.Key)
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrNotFound):
				return nil
			case KindOf(err) == KindInvalidMessage:
				q.metrics.recordInvalid(ctx, q.name)
				q.logger.Warn("mq.peek.invalid_message", "key", obj.Key, "error", err)
				return nil
			default:
				return err
			}
			if !env.Claimable(now) {
				return nil
			}
			payload, err := q.payloadOf(ctx, env)
			if err != nil {
				if isUnavailable(err) {
					return err
				}
				q.logger.Warn("mq.peek.payload_unreadable", "id", env.ID, "error", err)
				return nil
			}
			msg := messageFrom(env, payload)
			msg.Receipt.Token = ""
			out = append(out, msg)
			if len(out) >= limit {
				return errClaimFull
			}
			return nil
		})
		if errors.Is(err, errClaimFull) {
			break
		}
		if err != nil {
			return out, storageError(op, q.name, "", err)
		}
	}
	return out, nil
}

// Lookup returns the envelope behind ref, payload included, without leasing
// it.
func (q *Queue) Lookup(ctx context.Context, ref MessageRef) (*Envelope, error) {
	const op = "lookup"
	if err := ref.validate(); err != nil {
		return nil, newError(KindInvalidMessage, op, q.name, ref.ID, err)
	}
	env, _, err := q.readEnvelope(ctx, messageKey(q.name, ref))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(KindMessageNotFound, op, q.name, ref.ID, err)
		}
		return nil, storageError(op, q.name, ref.ID, err)
	}
	payload, err := q.payloadOf(ctx, env)
	if err != nil {
		return env, storageError(op, q.name, ref.ID, err)
	}
	env.Payload = payload
	return env, nil
}

// Delete removes the envelope behind ref regardless of its lease, together
// with its external payload.
func (q *Queue) Delete(ctx context.Context, ref MessageRef) error {
	const op = "delete"
	if err := ref.validate(); err != nil {
		return newError(KindInvalidMessage, op, q.name, ref.ID, err)
	}
	key := messageKey(q.name, ref)
	env, _, err := q.readEnvelope(ctx, key)
	switch {
	case err == nil, KindOf(err) == KindInvalidMessage:
	case errors.Is(err, storage.ErrNotFound):
		return newError(KindMessageNotFound, op, q.name, ref.ID, err)
	default:
		return storageError(op, q.name, ref.ID, err)
	}
	if err := q.deleteObject(ctx, key, storage.DeleteObjectOptions{}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(KindMessageNotFound, op, q.name, ref.ID, err)
		}
		return storageError(op, q.name, ref.ID, err)
	}
	if env != nil && env.PayloadRef != "" {
		if err := q.deleteObject(ctx, env.PayloadRef, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			q.logger.Warn("mq.delete.payload_delete_failed", "id", ref.ID, "error", err)
		}
	}
	q.logger.Info("mq.message.deleted", "id", ref.ID, "shard", ref.Shard)
	return nil
}
