package mq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
)

// Message is a delivered (or peeked) message. Receipt.Token is empty for
// messages returned by Peek.
type Message struct {
	ID          string
	Queue       string
	Payload     []byte
	ContentType string
	EnqueuedAt  time.Time
	Attempts    int
	MaxAttempts int
	LeaseExpiry time.Time
	Receipt     Receipt
}

// Shard returns the shard the message lives in.
func (m *Message) Shard() int { return m.Receipt.Shard }

// Priority returns the message priority.
func (m *Message) Priority() int { return m.Receipt.Priority }

// Claim leases up to limit visible messages from the shards assigned to
// consumerID. A non-positive leaseTimeout uses the queue default. Envelopes
// lost to another consumer are skipped, never retried within the call. When
// the assigned shards leave room, expired leases in the other shards are
// taken over as well. When a storage failure interrupts the scan, the
// messages already leased are returned together with the error.
func (q *Queue) Claim(ctx context.Context, consumerID string, limit int, leaseTimeout time.Duration) ([]*Message, error) {
	m, err := q.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	members, err := q.memberIDs(ctx)
	if err != nil {
		return nil, storageError("claim", q.name, "", err)
	}
	owned := NewRouter(m.Shards, q.cfg.Overlap).ShardsAssignedTo(consumerID, members)
	return q.claim(ctx, owned, foreignShards(m.Shards, owned), limit, leaseTimeout)
}

// ClaimShards leases from an explicit shard list in the given order.
func (q *Queue) ClaimShards(ctx context.Context, shards []int, limit int, leaseTimeout time.Duration) ([]*Message, error) {
	return q.claim(ctx, shards, nil, limit, leaseTimeout)
}

// claim leases visible envelopes from owned, then expired leases from
// foreign while the limit allows.
func (q *Queue) claim(ctx context.Context, owned, foreign []int, limit int, leaseTimeout time.Duration) ([]*Message, error) {
	const op = "claim"
	if limit <= 0 {
		return []*Message{}, nil
	}
	m, err := q.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	for _, shard := range slices.Concat(owned, foreign) {
		if shard < 0 || shard >= m.Shards {
			return nil, fmt.Errorf("mq: shard %d out of range", shard)
		}
	}
	if leaseTimeout <= 0 {
		leaseTimeout = m.LeaseTimeout()
	}
	start := q.now()
	c := &claimer{q: q, manifest: m, limit: limit, lease: leaseTimeout, out: make([]*Message, 0, min(limit, 256))}
	err = c.scan(ctx, owned)
	if err == nil && len(c.out) < limit && len(foreign) > 0 {
		c.expiredOnly = true
		err = c.scan(ctx, foreign)
	}
	q.metrics.recordClaim(ctx, q.name, len(c.out), c.lost, q.now().Sub(start))
	if err != nil {
		return c.out, storageError(op, q.name, "", err)
	}
	if len(c.out) > 0 || c.lost > 0 {
		q.logger.Debug("mq.claim.done", "claimed", len(c.out), "lost", c.lost, "dead_lettered", c.deadLettered, "taken_over", c.takenOver)
	}
	return c.out, nil
}

// foreignShards returns the shards below n that are not in owned.
func foreignShards(n int, owned []int) []int {
	out := make([]int, 0, n)
	for shard := range n {
		if !slices.Contains(owned, shard) {
			out = append(out, shard)
		}
	}
	return out
}

var errClaimFull = errors.New("claim full")

// unreadablePayloadDelay hides a message whose payload could not be read
// before it is offered again.
const unreadablePayloadDelay = 5 * time.Second

type claimer struct {
	q        *Queue
	manifest *Manifest
	limit    int
	lease    time.Duration
	out      []*Message
	// expiredOnly restricts the scan to abandoned leases.
	expiredOnly bool

	lost         int
	deadLettered int
	takenOver    int
}

func (c *claimer) scan(ctx context.Context, shards []int) error {
	for _, shard := range shards {
		if err := c.scanShard(ctx, shard); err != nil {
			if errors.Is(err, errClaimFull) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *claimer) scanShard(ctx context.Context, shard int) error {
	q := c.q
	return q.walk(ctx, messagePrefix(q.name, shard), func(obj storage.ObjectInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := parseMessageKey(q.name, shard, obj.Key); !ok {
			q.logger.Warn("mq.claim.unexpected_key", "key", obj.Key)
			return nil
		}
		msg, err := c.tryClaim(ctx, obj.Key)
		if err != nil {
			return err
		}
		if msg != nil {
			c.out = append(c.out, msg)
			if len(c.out) >= c.limit {
				return errClaimFull
			}
		}
		return nil
	})
}

// tryClaim reads one envelope and leases it when visible. It returns
// (nil, nil) for anything that should simply be skipped.
func (c *claimer) tryClaim(ctx context.Context, key string) (*Message, error) {
	q := c.q
	env, etag, err := q.readEnvelope(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case KindOf(err) == KindInvalidMessage:
		q.metrics.recordInvalid(ctx, q.name)
		q.logger.Warn("mq.claim.invalid_message", "key", key, "error", err)
		return nil, nil
	default:
		return nil, err
	}
	now := q.now()
	if !env.Claimable(now) {
		return nil, nil
	}
	if c.expiredOnly && !env.LeaseExpired(now) {
		return nil, nil
	}
	maxAttempts := env.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.manifest.MaxAttempts
	}
	if env.Attempts+1 > maxAttempts {
		env.Attempts++
		reason := ReasonMaxAttempts
		if env.LastFailure != "" {
			reason = env.LastFailure
		}
		moved, err := q.moveToDeadLetter(ctx, key, env, etag, reason)
		if err != nil {
			return nil, err
		}
		if moved {
			c.deadLettered++
		} else {
			c.lost++
		}
		return nil, nil
	}

	prevState := env.State
	env.State = StateLeased
	env.Attempts++
	env.LeaseToken = ids.NewToken()
	env.LeaseExpiry = now.Add(c.lease)
	env.LastFailure = ""
	etag, err = q.writeEnvelope(ctx, key, env, storage.PutObjectOptions{ExpectedETag: etag})
	if err != nil {
		if isCASLoss(err) {
			c.lost++
			return nil, nil
		}
		return nil, err
	}
	if prevState == StateLeased {
		if c.expiredOnly {
			c.takenOver++
		}
		q.logger.Debug("mq.claim.reclaimed_expired_lease", "id", env.ID, "shard", env.Shard, "attempts", env.Attempts, "foreign", c.expiredOnly)
	}

	payload, err := q.payloadOf(ctx, env)
	if err != nil {
		if isUnavailable(err) {
			return nil, err
		}
		q.metrics.recordInvalid(ctx, q.name)
		q.logger.Warn("mq.claim.payload_unreadable", "id", env.ID, "shard", env.Shard, "attempts", env.Attempts, "error", err)
		// The payload may not be visible yet. Hand the lease back with the
		// attempt counted; once attempts run out the message is archived
		// with this reason.
		env.State = StateAvailable
		env.clearLease()
		env.VisibleAfter = now.Add(unreadablePayloadDelay)
		env.LastFailure = ReasonPayloadUnreadable
		if _, err := q.writeEnvelope(ctx, key, env, storage.PutObjectOptions{ExpectedETag: etag}); err != nil && !isCASLoss(err) {
			return nil, err
		}
		return nil, nil
	}
	return messageFrom(env, payload), nil
}

func messageFrom(env *Envelope, payload []byte) *Message {
	return &Message{
		ID:          env.ID,
		Queue:       env.Queue,
		Payload:     payload,
		ContentType: env.ContentType,
		EnqueuedAt:  env.EnqueuedAt,
		Attempts:    env.Attempts,
		MaxAttempts: env.MaxAttempts,
		LeaseExpiry: env.LeaseExpiry,
		Receipt:     Receipt{MessageRef: env.Ref(), Token: env.LeaseToken},
	}
}
