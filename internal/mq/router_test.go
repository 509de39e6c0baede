package mq

import (
	"fmt"
	"slices"
	"testing"
)

func TestShardForRoutingKeyIsStable(t *testing.T) {
	t.Parallel()

	a := NewRouter(16, 1)
	b := NewRouter(16, 1)
	for i := range 200 {
		key := fmt.Sprintf("customer-%d", i)
		sa, sb := a.ShardFor(key), b.ShardFor(key)
		if sa != sb {
			t.Fatalf("key %q routed to %d and %d", key, sa, sb)
		}
		if sa < 0 || sa >= 16 {
			t.Fatalf("shard %d out of range", sa)
		}
	}
}

func TestShardForRoundRobinCoversAllShards(t *testing.T) {
	t.Parallel()

	r := NewRouter(5, 1)
	seen := make(map[int]int)
	for range 50 {
		seen[r.ShardFor("")]++
	}
	for shard := range 5 {
		if seen[shard] != 10 {
			t.Fatalf("shard %d got %d messages, want 10: %v", shard, seen[shard], seen)
		}
	}
}

func TestShardsAssignedWithoutMembers(t *testing.T) {
	t.Parallel()

	r := NewRouter(8, 1)
	got := r.ShardsAssignedTo("c-1", nil)
	if len(got) != 8 {
		t.Fatalf("expected all shards, got %v", got)
	}
	sorted := slices.Clone(got)
	slices.Sort(sorted)
	for i, shard := range sorted {
		if shard != i {
			t.Fatalf("missing shard %d in %v", i, got)
		}
	}
}

func TestShardsAssignedPartitionMembers(t *testing.T) {
	t.Parallel()

	members := []string{"c-a", "c-b", "c-c"}
	r := NewRouter(32, 1)
	owners := make(map[int]int)
	for _, m := range members {
		for _, shard := range r.ShardsAssignedTo(m, members) {
			owners[shard]++
		}
	}
	for shard := range 32 {
		if owners[shard] != 1 {
			t.Fatalf("shard %d has %d owners", shard, owners[shard])
		}
	}
}

func TestShardsAssignedOverlap(t *testing.T) {
	t.Parallel()

	members := []string{"c-a", "c-b", "c-c", "c-d"}
	r := NewRouter(16, 2)
	owners := make(map[int]int)
	for _, m := range members {
		for _, shard := range r.ShardsAssignedTo(m, members) {
			owners[shard]++
		}
	}
	for shard := range 16 {
		if owners[shard] != 2 {
			t.Fatalf("shard %d has %d owners, want 2", shard, owners[shard])
		}
	}
}

func TestShardsAssignedIncludesCaller(t *testing.T) {
	t.Parallel()

	r := NewRouter(4, 1)
	// A lone consumer that has not joined yet still owns every shard.
	got := r.ShardsAssignedTo("c-new", []string{"c-new"})
	if len(got) != 4 {
		t.Fatalf("expected 4 shards, got %v", got)
	}
	other := r.ShardsAssignedTo("c-new", []string{"c-old"})
	mine := r.ShardsAssignedTo("c-old", []string{"c-old", "c-new"})
	if len(other)+len(mine) != 4 {
		t.Fatalf("expected the two consumers to split 4 shards: %v %v", other, mine)
	}
}
