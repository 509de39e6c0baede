package shardq

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/clock"
	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/mq"
	"pkt.systems/shardq/internal/storage"
)

// Broker binds a backend to queue handles built from one Config. It caches
// one handle per queue name.
type Broker struct {
	cfg     Config
	backend storage.Backend
	logger  pslog.Logger
	clock   clock.Clock

	mu     sync.Mutex
	queues map[string]*mq.Queue
}

// Open validates cfg, opens its backend and returns a Broker.
func Open(ctx context.Context, cfg Config, logger pslog.Logger) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = loggingutil.EnsureLogger(logger)
	backend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return NewBroker(cfg, backend, logger), nil
}

// NewBroker wraps an already opened backend. cfg must have been validated.
func NewBroker(cfg Config, backend storage.Backend, logger pslog.Logger) *Broker {
	return &Broker{
		cfg:     cfg,
		backend: backend,
		logger:  loggingutil.EnsureLogger(logger),
		clock:   clock.Real{},
		queues:  make(map[string]*mq.Queue),
	}
}

// Config returns the validated configuration.
func (b *Broker) Config() Config { return b.cfg }

// Backend returns the decorated backend.
func (b *Broker) Backend() storage.Backend { return b.backend }

// Queue returns the handle for name. The queue itself may not exist yet.
func (b *Broker) Queue(name string) (*mq.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	qcfg := b.cfg.QueueConfig(name, b.logger)
	qcfg.Clock = b.clock
	q, err := mq.New(b.backend, qcfg)
	if err != nil {
		return nil, err
	}
	b.queues[name] = q
	return q, nil
}

// CreateQueue provisions name with the configured shard count, lease timeout
// and attempt limit.
func (b *Broker) CreateQueue(ctx context.Context, name string) (*mq.Manifest, error) {
	q, err := b.Queue(name)
	if err != nil {
		return nil, err
	}
	return q.Create(ctx)
}

// Reconciler returns a stopped reconciler over the named queues.
func (b *Broker) Reconciler(names ...string) (*mq.Reconciler, error) {
	queues := make([]*mq.Queue, 0, len(names))
	for _, name := range names {
		q, err := b.Queue(name)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return mq.NewReconciler(mq.ReconcilerConfig{
		Interval: b.cfg.ReconcileInterval,
		Logger:   b.logger,
		Clock:    b.clock,
	}, queues...), nil
}

// Close releases the backend.
func (b *Broker) Close() error {
	return b.backend.Close()
}
