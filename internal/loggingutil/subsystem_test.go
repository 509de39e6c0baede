package loggingutil

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	if got := Subsystem("mq", "", " .claim. ", "shard"); got != "mq.claim.shard" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemReplacesExisting(t *testing.T) {
	t.Parallel()

	first := WithSubsystem(NoopLogger(), "storage.disk")
	second := WithSubsystem(first.With("queue", "orders"), "mq.claim")
	sl, ok := second.(*subsystemLogger)
	if !ok {
		t.Fatalf("expected subsystem logger, got %T", second)
	}
	if sl.sys != "mq.claim" {
		t.Fatalf("expected mq.claim, got %q", sl.sys)
	}
	if len(sl.fields) != 2 || sl.fields[0] != "queue" || sl.fields[1] != "orders" {
		t.Fatalf("expected queue field preserved, got %v", sl.fields)
	}
}

func TestWithSysKeySwitchesSubsystem(t *testing.T) {
	t.Parallel()

	logger := WithSubsystem(nil, "mq").With("sys", "mq.ack", "shard", 3)
	sl := logger.(*subsystemLogger)
	if sl.sys != "mq.ack" {
		t.Fatalf("expected sys switch, got %q", sl.sys)
	}
	if len(sl.fields) != 2 {
		t.Fatalf("expected one remaining field pair, got %v", sl.fields)
	}
}
