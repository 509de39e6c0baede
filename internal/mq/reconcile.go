package mq

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/clock"
	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/storage"
)

// ReconcileStats counts the repairs made by one reconcile pass.
type ReconcileStats struct {
	ExpiredLeases  int
	FinishedMoves  int
	AbandonedMoves int
	OrphanPayloads int
	ExpiredMembers int
}

// Total returns the number of repairs.
func (s ReconcileStats) Total() int {
	return s.ExpiredLeases + s.FinishedMoves + s.AbandonedMoves + s.OrphanPayloads + s.ExpiredMembers
}

func (s *ReconcileStats) add(o ReconcileStats) {
	s.ExpiredLeases += o.ExpiredLeases
	s.FinishedMoves += o.FinishedMoves
	s.AbandonedMoves += o.AbandonedMoves
	s.OrphanPayloads += o.OrphanPayloads
	s.ExpiredMembers += o.ExpiredMembers
}

// Reconcile makes one repair pass over the queue:
//   - expired leases become Available again, visible from their expiry
//   - interrupted dead letter moves are finished or rolled back
//   - payload objects no envelope references are deleted after OrphanGrace
//   - expired member records are deleted
//
// Claims do not depend on it; a claim takes over expired leases itself.
func (q *Queue) Reconcile(ctx context.Context) (ReconcileStats, error) {
	const op = "reconcile"
	var stats ReconcileStats
	m, err := q.Manifest(ctx)
	if err != nil {
		return stats, err
	}
	live := make([]map[string]struct{}, m.Shards)
	for shard := range m.Shards {
		seen, n, err := q.reconcileLeases(ctx, shard)
		stats.ExpiredLeases += n
		if err != nil {
			return stats, storageError(op, q.name, "", err)
		}
		live[shard] = seen
	}
	refs, finished, abandoned, err := q.reconcileDeadLetters(ctx)
	stats.FinishedMoves, stats.AbandonedMoves = finished, abandoned
	if err != nil {
		return stats, storageError(op, q.name, "", err)
	}
	for shard := range m.Shards {
		n, err := q.reconcilePayloads(ctx, shard, live[shard], refs)
		stats.OrphanPayloads += n
		if err != nil {
			return stats, storageError(op, q.name, "", err)
		}
	}
	expired, err := q.members(ctx, true)
	if err != nil {
		return stats, storageError(op, q.name, "", err)
	}
	for _, rec := range expired {
		err := q.deleteObject(ctx, rec.key, storage.DeleteObjectOptions{ExpectedETag: rec.etag})
		switch {
		case err == nil:
			stats.ExpiredMembers++
		case isCASLoss(err):
		default:
			return stats, storageError(op, q.name, rec.ID, err)
		}
	}

	q.metrics.recordReconciled(ctx, q.name, "expired_lease", stats.ExpiredLeases)
	q.metrics.recordReconciled(ctx, q.name, "finished_move", stats.FinishedMoves)
	q.metrics.recordReconciled(ctx, q.name, "abandoned_move", stats.AbandonedMoves)
	q.metrics.recordReconciled(ctx, q.name, "orphan_payload", stats.OrphanPayloads)
	q.metrics.recordReconciled(ctx, q.name, "expired_member", stats.ExpiredMembers)
	if stats.Total() > 0 {
		q.logger.Info("mq.reconcile.repaired",
			"expired_leases", stats.ExpiredLeases,
			"finished_moves", stats.FinishedMoves,
			"abandoned_moves", stats.AbandonedMoves,
			"orphan_payloads", stats.OrphanPayloads,
			"expired_members", stats.ExpiredMembers,
		)
	}
	return stats, nil
}

// reconcileLeases releases expired leases in shard and returns the ids of
// all live envelopes seen.
func (q *Queue) reconcileLeases(ctx context.Context, shard int) (map[string]struct{}, int, error) {
	seen := make(map[string]struct{})
	released := 0
	now := q.now()
	err := q.walk(ctx, messagePrefix(q.name, shard), func(obj storage.ObjectInfo) error {
		ref, ok := parseMessageKey(q.name, shard, obj.Key)
		if !ok {
			return nil
		}
		seen[ref.ID] = struct{}{}
		env, etag, err := q.readEnvelope(ctx, obj.Key)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound), KindOf(err) == KindInvalidMessage:
			return nil
		default:
			return err
		}
		if !env.LeaseExpired(now) {
			return nil
		}
		env.State = StateAvailable
		env.VisibleAfter = env.LeaseExpiry
		env.clearLease()
		if _, err := q.writeEnvelope(ctx, obj.Key, env, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
			if isCASLoss(err) {
				return nil
			}
			return err
		}
		released++
		return nil
	})
	return seen, released, err
}

// reconcileDeadLetters settles archives whose live record still exists and
// returns the payload keys referenced by the dead letter area.
func (q *Queue) reconcileDeadLetters(ctx context.Context) (map[string]struct{}, int, int, error) {
	refs := make(map[string]struct{})
	finished, abandoned := 0, 0
	err := q.walk(ctx, dlqPrefix(q.name), func(obj storage.ObjectInfo) error {
		archive, archiveETag, err := q.readEnvelope(ctx, obj.Key)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound), KindOf(err) == KindInvalidMessage:
			return nil
		default:
			return err
		}
		if archive.PayloadRef != "" {
			refs[archive.PayloadRef] = struct{}{}
		}
		if archive.DeadLetter == nil {
			return nil
		}
		key := messageKey(q.name, archive.Ref())
		current, etag, err := q.readEnvelope(ctx, key)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound), KindOf(err) == KindInvalidMessage:
			return nil
		default:
			return err
		}
		if !current.EnqueuedAt.Equal(archive.EnqueuedAt) {
			// A later message reusing the id.
			return nil
		}
		switch {
		case current.Revision == archive.DeadLetter.SourceRevision:
			err := q.deleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag})
			if err == nil {
				finished++
				return nil
			}
			if isCASLoss(err) {
				return nil
			}
			return err
		case current.Revision > archive.DeadLetter.SourceRevision:
			err := q.deleteObject(ctx, obj.Key, storage.DeleteObjectOptions{ExpectedETag: archiveETag})
			if err == nil {
				abandoned++
				if archive.PayloadRef != "" && archive.PayloadRef != current.PayloadRef {
					delete(refs, archive.PayloadRef)
				}
				return nil
			}
			if isCASLoss(err) {
				return nil
			}
			return err
		}
		return nil
	})
	return refs, finished, abandoned, err
}

// reconcilePayloads deletes payload objects in shard that neither a live
// envelope nor a dead letter references.
func (q *Queue) reconcilePayloads(ctx context.Context, shard int, live, refs map[string]struct{}) (int, error) {
	prefix := payloadPrefix(q.name, shard)
	cutoff := q.now().Add(-q.cfg.OrphanGrace)
	removed := 0
	err := q.walk(ctx, prefix, func(obj storage.ObjectInfo) error {
		id := obj.Key[len(prefix):]
		if _, ok := live[id]; ok {
			return nil
		}
		if _, ok := refs[obj.Key]; ok {
			return nil
		}
		if obj.LastModified.IsZero() || obj.LastModified.After(cutoff) {
			return nil
		}
		err := q.deleteObject(ctx, obj.Key, storage.DeleteObjectOptions{ExpectedETag: obj.ETag})
		switch {
		case err == nil:
			removed++
		case isCASLoss(err):
		case errors.Is(err, storage.ErrNotImplemented):
		default:
			return err
		}
		return nil
	})
	return removed, err
}

// ReconcilerConfig configures a background Reconciler.
type ReconcilerConfig struct {
	Interval time.Duration
	Logger   pslog.Logger
	Clock    clock.Clock
}

// DefaultReconcileInterval is used when ReconcilerConfig.Interval is unset.
const DefaultReconcileInterval = 30 * time.Second

// Reconciler runs Reconcile over a set of queues on an interval.
type Reconciler struct {
	queues   []*Queue
	interval time.Duration
	logger   pslog.Logger
	clock    clock.Clock

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewReconciler returns a stopped reconciler for queues.
func NewReconciler(cfg ReconcilerConfig, queues ...*Queue) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	return &Reconciler{
		queues:   queues,
		interval: cfg.Interval,
		logger:   loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "mq.reconciler"),
		clock:    clock.Or(cfg.Clock),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RunOnce reconciles every queue once. Failures of one queue do not stop
// the others; the first error is returned.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var total ReconcileStats
	var firstErr error
	for _, q := range r.queues {
		stats, err := q.Reconcile(ctx)
		total.add(stats)
		if err != nil {
			r.logger.Warn("mq.reconciler.pass_failed", "queue", q.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

// Start launches the background loop. Subsequent calls are no-ops.
func (r *Reconciler) Start() {
	r.startOnce.Do(func() {
		go r.loop()
	})
}

// Stop ends the loop and waits for an in-flight pass to return.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	started := true
	r.startOnce.Do(func() { started = false })
	if started {
		<-r.done
	}
}

func (r *Reconciler) loop() {
	defer close(r.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-r.clock.After(r.interval):
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Debug("mq.reconciler.pass_incomplete", "error", err)
			}
		case <-r.stop:
			return
		}
	}
}
