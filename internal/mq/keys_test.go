package mq

import (
	"sort"
	"testing"
)

func TestMessageKeysSortByPriorityThenID(t *testing.T) {
	t.Parallel()

	refs := []MessageRef{
		{Shard: 3, Priority: 0, ID: "01A"},
		{Shard: 3, Priority: 9, ID: "01C"},
		{Shard: 3, Priority: 5, ID: "01B"},
		{Shard: 3, Priority: 9, ID: "01B"},
	}
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = messageKey("orders", ref)
	}
	sort.Strings(keys)
	want := []string{
		"q/orders/shard/0003/msg/0-01B",
		"q/orders/shard/0003/msg/0-01C",
		"q/orders/shard/0003/msg/4-01B",
		"q/orders/shard/0003/msg/9-01A",
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d: got %q want %q", i, keys[i], want[i])
		}
	}
}

func TestParseMessageKey(t *testing.T) {
	t.Parallel()

	ref := MessageRef{Shard: 12, Priority: 7, ID: "order-1"}
	got, ok := parseMessageKey("orders", 12, messageKey("orders", ref))
	if !ok || got != ref {
		t.Fatalf("round trip failed: %+v ok=%v", got, ok)
	}
	for _, key := range []string{
		"q/orders/shard/0012/msg/",
		"q/orders/shard/0012/msg/x-abc",
		"q/orders/shard/0012/msg/5abc",
		"q/orders/shard/0012/msg/5-a/b",
		"q/orders/shard/0013/msg/5-abc",
		"q/other/shard/0012/msg/5-abc",
	} {
		if _, ok := parseMessageKey("orders", 12, key); ok {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	t.Parallel()

	r := Receipt{MessageRef: MessageRef{Shard: 2, Priority: 4, ID: "01J0ABC"}, Token: "cq1r2k7i6"}
	if got := r.String(); got != "2.4.01J0ABC.cq1r2k7i6" {
		t.Fatalf("unexpected receipt form %q", got)
	}
	parsed, err := ParseReceipt(r.String())
	if err != nil {
		t.Fatalf("ParseReceipt: %v", err)
	}
	if parsed != r {
		t.Fatalf("got %+v want %+v", parsed, r)
	}
	ref, err := ParseMessageRef(r.MessageRef.String())
	if err != nil || ref != r.MessageRef {
		t.Fatalf("ParseMessageRef: %+v %v", ref, err)
	}
}

func TestParseReceiptRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"",
		"1.2.id",
		"x.2.id.tok",
		"1.x.id.tok",
		"1.10.id.tok",
		"-1.2.id.tok",
		"1.2.bad/id.tok",
		"1.2.id.",
		"1.2.id.tok.extra",
	} {
		if _, err := ParseReceipt(s); err == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestValidateQueueName(t *testing.T) {
	t.Parallel()

	for _, good := range []string{"orders", "a", "billing.v2", "jobs_high-prio"} {
		if err := ValidateQueueName(good); err != nil {
			t.Fatalf("%q rejected: %v", good, err)
		}
	}
	for _, bad := range []string{"", ".", "..", "a/b", "with space", string(make([]byte, 129))} {
		if err := ValidateQueueName(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}
