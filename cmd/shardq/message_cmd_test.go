package main

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"pkt.systems/shardq/internal/mq"
)

type cliHarness struct {
	t     *testing.T
	store string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	isolateEnv(t)
	return &cliHarness{t: t, store: diskStore(t)}
}

func (h *cliHarness) run(args ...string) string {
	h.t.Helper()
	return h.runStdin("", args...)
}

func (h *cliHarness) runStdin(stdin string, args ...string) string {
	h.t.Helper()
	stdout, stderr, err := executeRootCommand(h.t, stdin, append([]string{"--store", h.store}, args...)...)
	if err != nil {
		h.t.Fatalf("shardq %s: %v (stderr %q)", strings.Join(args, " "), err, stderr)
	}
	return stdout
}

func (h *cliHarness) fail(args ...string) error {
	h.t.Helper()
	_, _, err := executeRootCommand(h.t, "", append([]string{"--store", h.store}, args...)...)
	if err == nil {
		h.t.Fatalf("shardq %s: expected error", strings.Join(args, " "))
	}
	return err
}

// readOne claims a single message and returns its receipt and the rest of
// the printed line.
func (h *cliHarness) readOne(queue string) (string, string) {
	h.t.Helper()
	out := strings.TrimSpace(h.run("read", queue, "-n", "1"))
	if out == "" || strings.Contains(out, "\n") {
		h.t.Fatalf("expected exactly one message, got %q", out)
	}
	receipt, rest, _ := strings.Cut(out, " ")
	if _, err := mq.ParseReceipt(receipt); err != nil {
		h.t.Fatalf("read printed an unparsable receipt %q: %v", receipt, err)
	}
	return receipt, rest
}

func TestQueueLifecycle(t *testing.T) {
	h := newCLIHarness(t)
	if out := h.run("queue", "create", "orders", "--shards", "2"); !strings.Contains(out, "shards=2") {
		t.Fatalf("unexpected create output %q", out)
	}
	err := h.fail("queue", "create", "orders")
	if !strings.Contains(err.Error(), string(mq.KindQueueAlreadyExists)) {
		t.Fatalf("unexpected duplicate create error %v", err)
	}
	first := strings.TrimSpace(h.run("send", "orders", "--data", "hello"))
	second := strings.TrimSpace(h.runStdin("from stdin", "send", "orders", "--file", "-"))
	if first == "" || second == "" || first == second {
		t.Fatalf("unexpected message ids %q %q", first, second)
	}
	if out := h.run("queue", "count", "orders"); out != "2\n" {
		t.Fatalf("expected count 2, got %q", out)
	}
	shards := strings.Split(strings.TrimSpace(h.run("queue", "shards", "orders")), "\n")
	total := 0
	for _, line := range shards {
		_, count, _ := strings.Cut(line, " ")
		n, err := strconv.Atoi(count)
		if err != nil {
			t.Fatalf("unexpected shard line %q", line)
		}
		total += n
	}
	if len(shards) != 2 || total != 2 {
		t.Fatalf("expected two shards holding two messages, got %q", shards)
	}

	receipt, rest := h.readOne("orders")
	if !strings.Contains(rest, "attempts=1/5") {
		t.Fatalf("unexpected read line %q", rest)
	}
	if out := h.run("ack", "orders", receipt); !strings.HasPrefix(out, "acknowledged ") {
		t.Fatalf("unexpected ack output %q", out)
	}
	if out := h.run("queue", "count", "orders"); out != "1\n" {
		t.Fatalf("expected count 1 after ack, got %q", out)
	}
	if err := h.fail("ack", "orders", receipt); !strings.Contains(err.Error(), string(mq.KindMessageNotFound)) {
		t.Fatalf("expected message not found on second ack, got %v", err)
	}

	peek := strings.TrimSpace(h.run("peek", "orders"))
	if strings.Count(peek, "\n") != 0 || !strings.Contains(peek, "attempts=0/5") {
		t.Fatalf("unexpected peek output %q", peek)
	}
	if out := h.run("queue", "clear", "orders"); out != "removed=1\n" {
		t.Fatalf("unexpected clear output %q", out)
	}
	if out := h.run("queue", "count", "orders"); out != "0\n" {
		t.Fatalf("expected empty queue, got %q", out)
	}
	if members := h.run("queue", "members", "orders"); members != "" {
		t.Fatalf("read should leave the member set, got %q", members)
	}
}

func TestReadEmptyQueue(t *testing.T) {
	h := newCLIHarness(t)
	h.run("queue", "create", "orders")
	stdout, stderr, err := executeRootCommand(t, "", "--store", h.store, "read", "orders")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if stdout != "" || !strings.Contains(stderr, "no messages") {
		t.Fatalf("unexpected empty read output %q / %q", stdout, stderr)
	}
	if out := h.run("-o", "json", "read", "orders"); strings.TrimSpace(out) != "[]" {
		t.Fatalf("expected empty json array, got %q", out)
	}
	h.fail("read", "missing")
}

func TestReadJSONAndExtendNack(t *testing.T) {
	h := newCLIHarness(t)
	h.run("queue", "create", "orders", "--shards", "1")
	id := strings.TrimSpace(h.run("send", "orders", "-d", `{"n":1}`, "--content-type", "application/json", "-p", "7"))

	var views []messageView
	if err := json.Unmarshal([]byte(h.run("-o", "json", "read", "orders", "--lease", "1m")), &views); err != nil {
		t.Fatalf("decode read json: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one message, got %d", len(views))
	}
	v := views[0]
	if v.ID != id || v.Priority != 7 || v.Payload != `{"n":1}` || v.ContentType != "application/json" {
		t.Fatalf("unexpected message view %+v", v)
	}
	if out := strings.TrimSpace(h.run("extend", "orders", v.Receipt, "--lease", "2m")); out != v.Receipt {
		t.Fatalf("extend should keep the receipt, got %q want %q", out, v.Receipt)
	}
	if out := h.run("nack", "orders", v.Receipt); !strings.HasPrefix(out, "released ") {
		t.Fatalf("unexpected nack output %q", out)
	}
	if err := h.fail("extend", "orders", v.Receipt); !strings.Contains(err.Error(), string(mq.KindLeaseConflict)) {
		t.Fatalf("expected lease conflict after nack, got %v", err)
	}
	_, rest := h.readOne("orders")
	if !strings.Contains(rest, "attempts=2/5") {
		t.Fatalf("expected second attempt, got %q", rest)
	}
}

func TestMalformedReceiptsAreRejected(t *testing.T) {
	h := newCLIHarness(t)
	h.run("queue", "create", "orders")
	for _, receipt := range []string{"nope", "0.0.id", "x.0.id.token", "0.12.id.token"} {
		h.fail("ack", "orders", receipt)
	}
	h.fail("nack", "orders")
	h.fail("send", "orders", "-p", "12")
}

func TestDeadLetterCommands(t *testing.T) {
	h := newCLIHarness(t)
	h.run("queue", "create", "orders", "--shards", "1", "--max-attempts", "1")
	id := strings.TrimSpace(h.run("send", "orders", "-d", "poison"))
	receipt, _ := h.readOne("orders")
	h.run("nack", "orders", receipt)

	// the second claim exceeds the attempt limit and moves the message aside
	stdout, stderr, err := executeRootCommand(t, "", "--store", h.store, "read", "orders")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if stdout != "" || !strings.Contains(stderr, "no messages") {
		t.Fatalf("expected the message to be dead lettered, got %q / %q", stdout, stderr)
	}
	list := h.run("dlq", "list", "orders")
	if !strings.HasPrefix(list, id+" ") || !strings.Contains(list, "reason="+mq.ReasonMaxAttempts) || !strings.Contains(list, "attempts=2") {
		t.Fatalf("unexpected dlq list %q", list)
	}
	var page struct {
		DeadLetters []mq.DeadLetter `json:"dead_letters"`
		Next        string          `json:"next"`
	}
	if err := json.Unmarshal([]byte(h.run("-o", "json", "dlq", "list", "orders")), &page); err != nil {
		t.Fatalf("decode dlq json: %v", err)
	}
	if len(page.DeadLetters) != 1 || page.DeadLetters[0].ID != id || page.Next != "" {
		t.Fatalf("unexpected dlq page %+v", page)
	}

	show := h.run("dlq", "show", "orders", id)
	if !strings.HasPrefix(show, id+" ") || !strings.HasSuffix(show, "payload=\"poison\"\n") {
		t.Fatalf("unexpected dlq show %q", show)
	}
	var shown struct {
		DeadLetter mq.DeadLetter `json:"dead_letter"`
		Payload    string        `json:"payload"`
	}
	if err := json.Unmarshal([]byte(h.run("-o", "json", "dlq", "show", "orders", id)), &shown); err != nil {
		t.Fatalf("decode dlq show json: %v", err)
	}
	if shown.DeadLetter.ID != id || shown.DeadLetter.Reason != mq.ReasonMaxAttempts || shown.Payload != "poison" {
		t.Fatalf("unexpected dlq show json %+v", shown)
	}
	if err := h.fail("dlq", "show", "orders", "missing"); !strings.Contains(err.Error(), string(mq.KindMessageNotFound)) {
		t.Fatalf("expected message not found for unknown dead letter, got %v", err)
	}

	ref := strings.TrimSpace(h.run("dlq", "redrive", "orders", id))
	if parsed, err := mq.ParseMessageRef(ref); err != nil || parsed.ID != id {
		t.Fatalf("unexpected redrive output %q (%v)", ref, err)
	}
	if out := h.run("dlq", "list", "orders"); out != "" {
		t.Fatalf("expected empty dlq after redrive, got %q", out)
	}
	_, rest := h.readOne("orders")
	if !strings.Contains(rest, "attempts=1/1") {
		t.Fatalf("redrive should reset attempts, got %q", rest)
	}
	if out := h.run("dlq", "purge", "orders"); out != "purged=0\n" {
		t.Fatalf("unexpected purge output %q", out)
	}
}

func TestReconcileOnce(t *testing.T) {
	h := newCLIHarness(t)
	h.run("queue", "create", "orders")
	h.run("queue", "create", "invoices")
	out := h.run("reconcile", "orders", "invoices", "--once")
	if out != "expired_leases=0 finished_moves=0 abandoned_moves=0 orphan_payloads=0 expired_members=0\n" {
		t.Fatalf("unexpected reconcile output %q", out)
	}
	h.fail("reconcile", "--once")
}
