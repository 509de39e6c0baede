package mq

import (
	"context"
	"errors"
	"time"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
)

// Dead letter reasons.
const (
	ReasonMaxAttempts       = "max_attempts_exceeded"
	ReasonPayloadUnreadable = "payload_unreadable"
)

// DeadLetter summarises an archived envelope.
type DeadLetter struct {
	ID             string
	Shard          int
	Priority       int
	Attempts       int
	Reason         string
	DeadLetteredAt time.Time
	EnqueuedAt     time.Time
	PayloadSize    int64
	ContentType    string
}

func deadLetterFrom(env *Envelope) DeadLetter {
	dl := DeadLetter{
		ID:          env.ID,
		Shard:       env.Shard,
		Priority:    env.Priority,
		Attempts:    env.Attempts,
		EnqueuedAt:  env.EnqueuedAt,
		PayloadSize: env.PayloadSize,
		ContentType: env.ContentType,
	}
	if env.DeadLetter != nil {
		dl.Reason = env.DeadLetter.Reason
		dl.DeadLetteredAt = env.DeadLetter.At
	}
	return dl
}

// moveToDeadLetter archives env (read from key with etag) under the dead
// letter prefix and removes the live record. It reports false when another
// writer changed the live record first; the archive is rolled back then.
// External payloads stay where they are and are referenced by the archive.
func (q *Queue) moveToDeadLetter(ctx context.Context, key string, env *Envelope, etag, reason string) (bool, error) {
	archive := *env
	archive.State = StateDeadLettered
	archive.clearLease()
	archive.DeadLetter = &DeadLetterInfo{Reason: reason, At: q.now(), SourceRevision: env.Revision}
	target := dlqKey(q.name, env.ID)

	archiveETag, err := q.writeEnvelope(ctx, target, &archive, storage.PutObjectOptions{IfNotExists: true})
	wrote := err == nil
	if err != nil {
		if !errors.Is(err, storage.ErrCASMismatch) {
			return false, err
		}
		existing, existingETag, rerr := q.readEnvelope(ctx, target)
		switch {
		case rerr == nil && existing.DeadLetter != nil && existing.Shard == env.Shard &&
			existing.DeadLetter.SourceRevision == env.Revision:
			// Left behind by an interrupted move of this same record.
		case rerr == nil || KindOf(rerr) == KindInvalidMessage:
			archive.Revision = max(archive.Revision, revisionOf(existing))
			archiveETag, err = q.writeEnvelope(ctx, target, &archive, storage.PutObjectOptions{ExpectedETag: existingETag})
			if err != nil {
				if isCASLoss(err) {
					return false, nil
				}
				return false, err
			}
			wrote = true
		case errors.Is(rerr, storage.ErrNotFound):
			return false, nil
		default:
			return false, rerr
		}
	}

	if err := q.deleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag}); err != nil {
		if !isCASLoss(err) {
			return false, err
		}
		if wrote {
			if rerr := q.deleteObject(ctx, target, storage.DeleteObjectOptions{ExpectedETag: archiveETag, IgnoreNotFound: true}); rerr != nil && !isCASLoss(rerr) {
				q.logger.Warn("mq.dlq.rollback_failed", "id", env.ID, "error", rerr)
			}
		}
		return false, nil
	}
	q.metrics.recordDeadLetter(ctx, q.name, reason)
	q.logger.Info("mq.dlq.moved", "id", env.ID, "shard", env.Shard, "attempts", env.Attempts, "reason", reason)
	return true, nil
}

func revisionOf(env *Envelope) int64 {
	if env == nil {
		return 0
	}
	return env.Revision
}

// DeadLetters pages through archived envelopes in id order, starting after
// the id startAfter. The returned cursor is empty on the last page.
func (q *Queue) DeadLetters(ctx context.Context, limit int, startAfter string) ([]DeadLetter, string, error) {
	const op = "dead_letters"
	if limit <= 0 {
		limit = q.cfg.ScanPageSize
	}
	after := ""
	if startAfter != "" {
		after = dlqKey(q.name, startAfter)
	}
	res, err := q.listPage(ctx, dlqPrefix(q.name), after, limit)
	if err != nil {
		return nil, "", storageError(op, q.name, "", err)
	}
	out := make([]DeadLetter, 0, len(res.Objects))
	for _, obj := range res.Objects {
		env, _, err := q.readEnvelope(ctx, obj.Key)
		switch {
		case err == nil:
			out = append(out, deadLetterFrom(env))
		case errors.Is(err, storage.ErrNotFound):
		case KindOf(err) == KindInvalidMessage:
			q.metrics.recordInvalid(ctx, q.name)
			q.logger.Warn("mq.dlq.invalid", "key", obj.Key, "error", err)
		default:
			return out, "", storageError(op, q.name, "", err)
		}
	}
	next := ""
	if res.Truncated && len(res.Objects) > 0 {
		next = res.Objects[len(res.Objects)-1].Key[len(dlqPrefix(q.name)):]
	}
	return out, next, nil
}

// DeadLetterMessage returns one archived message with its payload. The
// payload is nil when it can no longer be read.
func (q *Queue) DeadLetterMessage(ctx context.Context, id string) (DeadLetter, []byte, error) {
	const op = "dead_letter"
	if err := ids.ValidateMessageID(id); err != nil {
		return DeadLetter{}, nil, newError(KindInvalidMessage, op, q.name, id, err)
	}
	env, _, err := q.readEnvelope(ctx, dlqKey(q.name, id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return DeadLetter{}, nil, newError(KindMessageNotFound, op, q.name, id, err)
		}
		return DeadLetter{}, nil, storageError(op, q.name, id, err)
	}
	dl := deadLetterFrom(env)
	payload, err := q.payloadOf(ctx, env)
	if err != nil {
		if isUnavailable(err) {
			return dl, nil, storageError(op, q.name, id, err)
		}
		q.logger.Warn("mq.dlq.payload_unreadable", "id", id, "error", err)
		return dl, nil, nil
	}
	return dl, payload, nil
}

// Redrive moves an archived envelope back to its shard as Available with a
// zero attempt count.
func (q *Queue) Redrive(ctx context.Context, id string) (MessageRef, error) {
	const op = "redrive"
	if err := ids.ValidateMessageID(id); err != nil {
		return MessageRef{}, newError(KindInvalidMessage, op, q.name, id, err)
	}
	source := dlqKey(q.name, id)
	env, archiveETag, err := q.readEnvelope(ctx, source)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return MessageRef{}, newError(KindMessageNotFound, op, q.name, id, err)
		}
		return MessageRef{}, storageError(op, q.name, id, err)
	}
	live := *env
	live.State = StateAvailable
	live.Attempts = 0
	live.VisibleAfter = q.now()
	live.clearLease()
	live.LastFailure = ""
	live.DeadLetter = nil
	ref := live.Ref()
	key := messageKey(q.name, ref)

	_, err = q.writeEnvelope(ctx, key, &live, storage.PutObjectOptions{IfNotExists: true})
	if errors.Is(err, storage.ErrCASMismatch) {
		// The live record of an interrupted move is still present; replace it.
		current, currentETag, rerr := q.readEnvelope(ctx, key)
		opts := storage.PutObjectOptions{ExpectedETag: currentETag}
		switch {
		case rerr == nil, KindOf(rerr) == KindInvalidMessage:
		case errors.Is(rerr, storage.ErrNotFound):
			opts = storage.PutObjectOptions{IfNotExists: true}
		default:
			return ref, storageError(op, q.name, id, rerr)
		}
		live.Revision = max(live.Revision, revisionOf(current))
		_, err = q.writeEnvelope(ctx, key, &live, opts)
		if isCASLoss(err) {
			return ref, newError(KindLeaseConflict, op, q.name, id, err)
		}
	}
	if err != nil {
		return ref, storageError(op, q.name, id, err)
	}
	if err := q.deleteObject(ctx, source, storage.DeleteObjectOptions{ExpectedETag: archiveETag, IgnoreNotFound: true}); err != nil && !isCASLoss(err) {
		return ref, storageError(op, q.name, id, err)
	}
	q.logger.Info("mq.dlq.redriven", "id", id, "shard", ref.Shard)
	return ref, nil
}

// PurgeDeadLetters deletes every archived envelope and its external payload.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int, error) {
	const op = "purge_dead_letters"
	purged := 0
	err := q.walk(ctx, dlqPrefix(q.name), func(obj storage.ObjectInfo) error {
		env, _, err := q.readEnvelope(ctx, obj.Key)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case KindOf(err) == KindInvalidMessage:
		default:
			return err
		}
		if err := q.deleteObject(ctx, obj.Key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return err
		}
		if env != nil && env.PayloadRef != "" {
			if err := q.deleteObject(ctx, env.PayloadRef, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
				q.logger.Warn("mq.dlq.payload_delete_failed", "id", env.ID, "error", err)
			}
		}
		purged++
		return nil
	})
	if err != nil {
		return purged, storageError(op, q.name, "", err)
	}
	q.logger.Info("mq.dlq.purged", "count", purged)
	return purged, nil
}
