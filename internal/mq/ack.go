package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/shardq/internal/storage"
)

// leased loads the envelope behind r and checks that r still holds its
// lease. A lease that expired but was not reclaimed by anyone still counts.
func (q *Queue) leased(ctx context.Context, op string, r Receipt) (*Envelope, string, string, error) {
	if err := r.validate(); err != nil {
		return nil, "", "", newError(KindInvalidMessage, op, q.name, r.ID, err)
	}
	key := messageKey(q.name, r.MessageRef)
	env, etag, err := q.readEnvelope(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", "", newError(KindMessageNotFound, op, q.name, r.ID, err)
		}
		return nil, "", "", storageError(op, q.name, r.ID, err)
	}
	if env.State != StateLeased || env.LeaseToken != r.Token {
		return nil, "", "", newError(KindLeaseConflict, op, q.name, r.ID, fmt.Errorf("lease token no longer held"))
	}
	return env, etag, key, nil
}

// Ack finalises a leased message by deleting its envelope. Acking twice
// reports ErrMessageNotFound; acking with a token that lost its lease reports
// ErrLeaseConflict.
func (q *Queue) Ack(ctx context.Context, r Receipt) (err error) {
	const op = "ack"
	defer func() { q.metrics.recordAck(ctx, q.name, err) }()
	env, etag, key, err := q.leased(ctx, op, r)
	if err != nil {
		return err
	}
	err = q.deleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag})
	if isCASLoss(err) {
		// Raced with a writer; only proceed if the lease is still ours.
		env, etag, key, err = q.leased(ctx, op, r)
		if err != nil {
			return err
		}
		err = q.deleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag})
		if isCASLoss(err) {
			return newError(KindLeaseConflict, op, q.name, r.ID, err)
		}
	}
	if err != nil {
		return storageError(op, q.name, r.ID, err)
	}
	if env.PayloadRef != "" {
		if perr := q.deleteObject(ctx, env.PayloadRef, storage.DeleteObjectOptions{IgnoreNotFound: true}); perr != nil {
			q.logger.Debug("mq.ack.payload_delete_failed", "id", r.ID, "error", perr)
		}
	}
	q.logger.Trace("mq.ack.success", "id", r.ID, "shard", r.Shard)
	return nil
}

// ExtendLease pushes the lease expiry of r to now+timeout. The token is
// kept, so the returned receipt equals r.
func (q *Queue) ExtendLease(ctx context.Context, r Receipt, timeout time.Duration) (Receipt, error) {
	if _, err := q.extendLease(ctx, r, timeout); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (q *Queue) extendLease(ctx context.Context, r Receipt, timeout time.Duration) (time.Time, error) {
	const op = "extend"
	env, etag, key, err := q.leased(ctx, op, r)
	if err != nil {
		return time.Time{}, err
	}
	if timeout <= 0 {
		m, err := q.Manifest(ctx)
		if err != nil {
			return time.Time{}, err
		}
		timeout = m.LeaseTimeout()
	}
	env.LeaseExpiry = q.now().Add(timeout)
	if _, err := q.writeEnvelope(ctx, key, env, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
		if isCASLoss(err) {
			return time.Time{}, newError(KindLeaseConflict, op, q.name, r.ID, err)
		}
		return time.Time{}, storageError(op, q.name, r.ID, err)
	}
	return env.LeaseExpiry, nil
}

// Release gives up the lease of r and makes the message visible again after
// delay. The attempt count keeps the increment of the claim.
func (q *Queue) Release(ctx context.Context, r Receipt, delay time.Duration) error {
	const op = "release"
	env, etag, key, err := q.leased(ctx, op, r)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	env.State = StateAvailable
	env.clearLease()
	env.VisibleAfter = q.now().Add(delay)
	if _, err := q.writeEnvelope(ctx, key, env, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
		if isCASLoss(err) {
			return newError(KindLeaseConflict, op, q.name, r.ID, err)
		}
		return storageError(op, q.name, r.ID, err)
	}
	return nil
}
