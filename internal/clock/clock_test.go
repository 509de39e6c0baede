package clock_test

import (
	"testing"
	"time"

	"pkt.systems/shardq/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestOrDefaultsToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatal("expected Real for nil clock")
	}
	m := clock.NewManual(time.Unix(0, 0))
	if clock.Or(m) != clock.Clock(m) {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestManualAdvanceReleasesDueWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", m.Pending())
	}
}

func TestManualSetIgnoresBackwards(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.Set(start.Add(-time.Hour))
	if !m.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", m.Now())
	}
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
