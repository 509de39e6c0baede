package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/shardq/internal/ids"
	"pkt.systems/shardq/internal/storage"
)

// SendOptions tune a single Send.
type SendOptions struct {
	// Delay hides the message from consumers for the given duration.
	Delay time.Duration
	// RoutingKey pins the message to a shard; messages sharing a key keep
	// their relative order as far as a single shard can.
	RoutingKey string
	// Priority from 0 to MaxPriority; higher is claimed first within a shard.
	Priority int
	// MessageID makes the send idempotent. Without a RoutingKey the id is
	// also used for routing, so repeating a send lands on the same record.
	MessageID   string
	ContentType string
}

// Producer appends messages to a queue. Each producer keeps its own
// round-robin position.
type Producer struct {
	q *Queue

	mu     sync.Mutex
	router *Router
}

// NewProducer returns a producer handle.
func (q *Queue) NewProducer() *Producer {
	return &Producer{q: q}
}

func (p *Producer) routerFor(ctx context.Context) (*Router, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.router != nil {
		return p.router, nil
	}
	m, err := p.q.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	p.router = NewRouter(m.Shards, p.q.cfg.Overlap)
	return p.router, nil
}

// Send stores payload as a new Available envelope and returns its id. An
// unconfirmed write surfaces as ErrStorageUnavailable and may still have
// landed. A send that finds its record already present succeeds with the
// existing id.
func (p *Producer) Send(ctx context.Context, payload []byte, opts SendOptions) (string, error) {
	q := p.q
	const op = "send"
	start := q.now()
	if opts.Priority < 0 || opts.Priority > MaxPriority {
		return "", newError(KindInvalidMessage, op, q.name, opts.MessageID, fmt.Errorf("priority %d out of range", opts.Priority))
	}
	if opts.Delay < 0 {
		return "", newError(KindInvalidMessage, op, q.name, opts.MessageID, fmt.Errorf("negative delay"))
	}
	if len(payload) > q.cfg.MaxPayloadBytes {
		return "", newError(KindSerialization, op, q.name, opts.MessageID, fmt.Errorf("payload of %d bytes exceeds limit of %d", len(payload), q.cfg.MaxPayloadBytes))
	}
	id := opts.MessageID
	routingKey := opts.RoutingKey
	if id == "" {
		id = ids.NewMessageID(start)
	} else {
		if err := ids.ValidateMessageID(id); err != nil {
			return "", newError(KindInvalidMessage, op, q.name, id, err)
		}
		if routingKey == "" {
			routingKey = id
		}
	}
	router, err := p.routerFor(ctx)
	if err != nil {
		return "", err
	}
	m, err := q.Manifest(ctx)
	if err != nil {
		return "", err
	}
	env := &Envelope{
		ID:           id,
		Queue:        q.name,
		Shard:        router.ShardFor(routingKey),
		Priority:     opts.Priority,
		State:        StateAvailable,
		EnqueuedAt:   start,
		VisibleAfter: start.Add(opts.Delay),
		MaxAttempts:  m.MaxAttempts,
		ContentType:  opts.ContentType,
		PayloadSize:  int64(len(payload)),
	}
	if len(payload) > q.cfg.InlinePayloadLimit {
		env.PayloadRef = payloadKey(q.name, env.Shard, id)
		contentType := opts.ContentType
		if contentType == "" {
			contentType = storage.ContentTypeOctetStream
		}
		err := q.putBlob(ctx, env.PayloadRef, payload, contentType, storage.PutObjectOptions{IfNotExists: true})
		if err != nil && !errors.Is(err, storage.ErrCASMismatch) {
			return "", storageError(op, q.name, id, err)
		}
	} else {
		env.Payload = payload
	}

	_, err = q.writeEnvelope(ctx, messageKey(q.name, env.Ref()), env, storage.PutObjectOptions{IfNotExists: true})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrCASMismatch):
		// Either a repeated caller id or a retried write whose first attempt
		// landed.
		q.logger.Debug("mq.send.duplicate", "id", id, "shard", env.Shard)
		return id, nil
	default:
		return "", storageError(op, q.name, id, err)
	}
	q.metrics.recordEnqueue(ctx, q.name, int64(len(payload)), q.now().Sub(start))
	q.logger.Trace("mq.send.success", "id", id, "shard", env.Shard, "priority", env.Priority, "bytes", len(payload))
	return id, nil
}
