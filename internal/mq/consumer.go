package mq

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
)

// ConsumerOptions configure a consumer handle.
type ConsumerOptions struct {
	// ID identifies the consumer in the member set; generated when empty.
	ID string
	// Shards pins the consumer to a fixed assignment and skips membership.
	Shards []int
	// LeaseTimeout overrides the queue default for this consumer's claims.
	LeaseTimeout time.Duration
}

// Consumer claims messages from the shards assigned to it. It heartbeats its
// membership at most every MemberTTL/3 and refreshes the member set at the
// same time.
type Consumer struct {
	q            *Queue
	id           string
	fixed        []int
	leaseTimeout time.Duration

	mu            sync.Mutex
	lastHeartbeat time.Time
	members       []string
}

// NewConsumer returns a consumer handle.
func (q *Queue) NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	id := opts.ID
	if id == "" {
		id = ids.NewConsumerID()
	}
	if err := ids.ValidateMessageID(id); err != nil {
		return nil, fmt.Errorf("mq: consumer id: %w", err)
	}
	for _, shard := range opts.Shards {
		if shard < 0 || shard >= MaxShards {
			return nil, fmt.Errorf("mq: shard %d out of range", shard)
		}
	}
	return &Consumer{
		q:            q,
		id:           id,
		fixed:        slices.Clone(opts.Shards),
		leaseTimeout: opts.LeaseTimeout,
	}, nil
}

// ID returns the consumer id.
func (c *Consumer) ID() string { return c.id }

// Shards returns the shards the next read will scan.
func (c *Consumer) Shards(ctx context.Context) ([]int, error) {
	if len(c.fixed) > 0 {
		return slices.Clone(c.fixed), nil
	}
	m, err := c.q.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	members, err := c.refreshMembership(ctx)
	if err != nil {
		return nil, err
	}
	return NewRouter(m.Shards, c.q.cfg.Overlap).ShardsAssignedTo(c.id, members), nil
}

func (c *Consumer) refreshMembership(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.q.now()
	if !c.lastHeartbeat.IsZero() && now.Sub(c.lastHeartbeat) < c.q.cfg.MemberTTL/3 {
		return c.members, nil
	}
	if err := c.q.Heartbeat(ctx, c.id); err != nil {
		return nil, err
	}
	members, err := c.q.memberIDs(ctx)
	if err != nil {
		return nil, storageError("members", c.q.name, c.id, err)
	}
	c.lastHeartbeat = now
	c.members = members
	return members, nil
}

// ReadMessages claims up to n messages without blocking. A consumer using
// membership also takes over expired leases in shards owned by other
// members when its own shards leave room, so a crashed member's messages
// come back after the lease timeout rather than after its membership lapses.
func (c *Consumer) ReadMessages(ctx context.Context, n int) ([]*Message, error) {
	owned, err := c.Shards(ctx)
	if err != nil {
		return nil, err
	}
	var foreign []int
	if len(c.fixed) == 0 {
		m, err := c.q.Manifest(ctx)
		if err != nil {
			return nil, err
		}
		foreign = foreignShards(m.Shards, owned)
	}
	return c.q.claim(ctx, owned, foreign, n, c.leaseTimeout)
}

// Poll repeats ReadMessages until at least one message arrives or wait has
// elapsed. Between attempts it sleeps PollInterval plus up to half of it in
// jitter, waking early when the backend reports a change in any shard.
func (c *Consumer) Poll(ctx context.Context, n int, wait time.Duration) ([]*Message, error) {
	clk := c.q.clock
	deadline := clk.Now().Add(wait)
	var events <-chan struct{}
	if feed, ok := c.q.store.(storage.ChangeFeed); ok {
		sub, err := feed.SubscribeChanges(c.q.ns, queuePrefix(c.q.name)+"shard/")
		switch {
		case err == nil:
			defer sub.Close()
			events = sub.Events()
		case errors.Is(err, storage.ErrNotImplemented):
		default:
			c.q.logger.Debug("mq.poll.subscribe_failed", "error", err)
		}
	}
	for {
		msgs, err := c.ReadMessages(ctx, n)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return msgs, nil
		}
		interval := c.q.cfg.PollInterval
		sleep := min(interval+rand.N(interval/2+1), remaining)
		select {
		case <-ctx.Done():
			return msgs, ctx.Err()
		case <-events:
		case <-clk.After(sleep):
		}
	}
}

// AckMessage acknowledges msg.
func (c *Consumer) AckMessage(ctx context.Context, msg *Message) error {
	return c.q.Ack(ctx, msg.Receipt)
}

// ExtendMessage renews the lease on msg and updates its LeaseExpiry.
func (c *Consumer) ExtendMessage(ctx context.Context, msg *Message, timeout time.Duration) error {
	expiry, err := c.q.extendLease(ctx, msg.Receipt, timeout)
	if err != nil {
		return err
	}
	msg.LeaseExpiry = expiry
	return nil
}

// ReleaseMessage returns msg to the queue, visible again after delay.
func (c *Consumer) ReleaseMessage(ctx context.Context, msg *Message, delay time.Duration) error {
	return c.q.Release(ctx, msg.Receipt, delay)
}

// Close removes the consumer from the member set.
func (c *Consumer) Close(ctx context.Context) error {
	if len(c.fixed) > 0 {
		return nil
	}
	c.mu.Lock()
	joined := !c.lastHeartbeat.IsZero()
	c.lastHeartbeat = time.Time{}
	c.mu.Unlock()
	if !joined {
		return nil
	}
	return c.q.Leave(ctx, c.id)
}
