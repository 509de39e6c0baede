package mq

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/shardq/internal/storage"
)

func TestReconcileReleasesExpiredLeases(t *testing.T) {
	t.Parallel()

	env := newTestQueue(t, Config{Shards: 1})
	env.send(t, "job", SendOptions{})
	msg := env.claim(t, "c-1", 1, 5*time.Second)[0]
	ctx := context.Background()

	stats, err := env.q.Reconcile(ctx)
	if err != nil || stats.ExpiredLeases != 0 {
		t.Fatalf("live lease released early: %+v %v", stats, err)
	}
	env.clk.Advance(10 * time.Second)
	stats, err = env.q.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.ExpiredLeases != 1 || stats.Total() != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	got, err := env.q.Lookup(ctx, msg.Receipt.MessageRef)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.State != StateAvailable || got.LeaseToken != "" || got.Attempts != 1 {
		t.Fatalf("unexpected envelope after reconcile %+v", got)
	}
	if !got.VisibleAfter.Equal(msg.LeaseExpiry) {
		t.Fatalf("expected visibility from lease expiry, got %v", got.VisibleAfter)
	}
	if err := env.q.Ack(ctx, msg.Receipt); !errors.Is(err, ErrLeaseConflict) {
		t.Fatalf("expected ErrLeaseConflict for released lease, got %v", err)
	}
}

func TestReconcileRemovesOrphanPayloadsAfterGrace(t *testing.T) {
	t.Parallel()

	env := newTestQueue(t, Config{Shards: 1, InlinePayloadLimit: 4, OrphanGrace: time.Minute})
	ctx := context.Background()
	liveID := env.send(t, "live external body", SendOptions{})
	orphan := payloadKey("orders", 0, "ghost")
	if _, err := env.store.PutObject(ctx, env.q.Namespace(), orphan, bytes.NewReader([]byte("left behind")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	stats, err := env.q.Reconcile(ctx)
	if err != nil || stats.OrphanPayloads != 0 {
		t.Fatalf("young orphan removed: %+v %v", stats, err)
	}
	env.clk.Advance(2 * time.Minute)
	stats, err = env.q.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.OrphanPayloads != 1 {
		t.Fatalf("expected 1 orphan payload, got %+v", stats)
	}
	if _, err := env.store.GetObject(ctx, env.q.Namespace(), orphan); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("orphan still present: %v", err)
	}
	if _, err := env.store.GetObject(ctx, env.q.Namespace(), payloadKey("orders", 0, liveID)); err != nil {
		t.Fatalf("live payload removed: %v", err)
	}
}

// archiveWithoutDelete leaves the state of a dead letter move that stopped
// after writing the archive.
func archiveWithoutDelete(t *testing.T, q *Queue, ref MessageRef) {
	t.Helper()
	ctx := context.Background()
	env, _, err := q.readEnvelope(ctx, messageKey(q.name, ref))
	if err != nil {
		t.Fatalf("readEnvelope: %v", err)
	}
	archive := *env
	archive.State = StateDeadLettered
	archive.clearLease()
	archive.DeadLetter = &DeadLetterInfo{Reason: ReasonMaxAttempts, At: q.now(), SourceRevision: env.Revision}
	if _, err := q.writeEnvelope(ctx, dlqKey(q.name, env.ID), &archive, storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("writeEnvelope: %v", err)
	}
}

func TestReconcileFinishesInterruptedMove(t *testing.T) {
	t.Parallel()

	env := newTestQueue(t, Config{Shards: 1})
	env.send(t, "poison", SendOptions{})
	msg := env.claim(t, "c-1", 1, time.Minute)[0]
	archiveWithoutDelete(t, env.q, msg.Receipt.MessageRef)
	ctx := context.Background()

	stats, err := env.q.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.FinishedMoves != 1 {
		t.Fatalf("expected finished move, got %+v", stats)
	}
	if _, err := env.q.Lookup(ctx, msg.Receipt.MessageRef); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("live record still present: %v", err)
	}
	letters, _, err := env.q.DeadLetters(ctx, 10, "")
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected archive to stay, got %d (%v)", len(letters), err)
	}
}

func TestReconcileDropsAbandonedMove(t *testing.T) {
	t.Parallel()

	env := newTestQueue(t, Config{Shards: 1})
	env.send(t, "survivor", SendOptions{})
	msg := env.claim(t, "c-1", 1, time.Minute)[0]
	archiveWithoutDelete(t, env.q, msg.Receipt.MessageRef)
	ctx := context.Background()
	// The live record moves on after the archive was written.
	if err := env.q.Release(ctx, msg.Receipt, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}

	stats, err := env.q.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.AbandonedMoves != 1 || stats.FinishedMoves != 0 {
		t.Fatalf("expected abandoned move, got %+v", stats)
	}
	if letters, _, _ := env.q.DeadLetters(ctx, 10, ""); len(letters) != 0 {
		t.Fatalf("stale archive kept: %d", len(letters))
	}
	if msgs := env.claim(t, "c-1", 1, time.Minute); len(msgs) != 1 {
		t.Fatal("expected live message to stay claimable")
	}
}

func TestReconcileExpiresMembers(t *testing.T) {
	t.Parallel()

	env := newTestQueue(t, Config{Shards: 4, MemberTTL: 10 * time.Second})
	ctx := context.Background()
	if err := env.q.Heartbeat(ctx, "c-old"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	env.clk.Advance(11 * time.Second)
	if err := env.q.Heartbeat(ctx, "c-new"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	members, err := env.q.Members(ctx)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0].ID != "c-new" {
		t.Fatalf("unexpected members %+v", members)
	}
	stats, err := env.q.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.ExpiredMembers != 1 {
		t.Fatalf("expected 1 expired member, got %+v", stats)
	}
	if _, err := env.store.GetObject(ctx, env.q.Namespace(), memberKey("orders", "c-old")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired member record kept: %v", err)
	}
}

func TestReconcilerRunsOnInterval(t *testing.T) {
	t.Parallel()

	env := newTestQueue(t, Config{Shards: 1})
	env.send(t, "job", SendOptions{})
	msg := env.claim(t, "c-1", 1, 5*time.Second)[0]

	r := NewReconciler(ReconcilerConfig{Interval: 10 * time.Second, Clock: env.clk}, env.q)
	r.Start()
	defer r.Stop()
	waitFor(t, func() bool { return env.clk.Pending() > 0 })
	env.clk.Advance(10 * time.Second)
	waitFor(t, func() bool {
		got, err := env.q.Lookup(context.Background(), msg.Receipt.MessageRef)
		return err == nil && got.State == StateAvailable
	})
}

func TestReconcilerStopWithoutStart(t *testing.T) {
	t.Parallel()

	r := NewReconciler(ReconcilerConfig{})
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a reconciler that never started")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
