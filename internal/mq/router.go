package mq

import (
	"math/rand/v2"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Router maps routing keys to shards and shards to consumers for one queue.
// Round-robin placement state is per Router, so each producer owns one.
type Router struct {
	shards  int
	overlap int
	next    atomic.Uint64
}

// NewRouter returns a router over shards partitions where every shard is
// owned by the top overlap consumers of the member set.
func NewRouter(shards, overlap int) *Router {
	if shards < 1 {
		shards = 1
	}
	if overlap < 1 {
		overlap = 1
	}
	r := &Router{shards: shards, overlap: overlap}
	r.next.Store(rand.Uint64N(uint64(shards)))
	return r
}

// Shards returns the partition count.
func (r *Router) Shards() int { return r.shards }

// ShardFor picks the shard for a new message. A non-empty routing key always
// lands on the same shard; an empty key rotates across shards.
func (r *Router) ShardFor(routingKey string) int {
	if routingKey != "" {
		return int(xxhash.Sum64String(routingKey) % uint64(r.shards))
	}
	return int((r.next.Add(1) - 1) % uint64(r.shards))
}

// ShardsAssignedTo returns the shards consumerID should poll, ascending.
// Ownership uses rendezvous hashing over members; consumerID is always
// counted as a member. With no members every shard is returned, rotated so
// that consumers start scanning at different shards.
func (r *Router) ShardsAssignedTo(consumerID string, members []string) []int {
	if len(members) == 0 {
		out := make([]int, r.shards)
		start := int(xxhash.Sum64String(consumerID) % uint64(r.shards))
		for i := range out {
			out[i] = (start + i) % r.shards
		}
		return out
	}
	set := make([]string, 0, len(members)+1)
	set = append(set, members...)
	if !slices.Contains(set, consumerID) {
		set = append(set, consumerID)
	}
	slices.Sort(set)
	set = slices.Compact(set)

	var out []int
	for shard := range r.shards {
		if slices.Contains(r.owners(shard, set), consumerID) {
			out = append(out, shard)
		}
	}
	return out
}

// owners returns the members with the highest weight for shard.
func (r *Router) owners(shard int, members []string) []string {
	type scored struct {
		id     string
		weight uint64
	}
	suffix := "#" + strconv.Itoa(shard)
	ranked := make([]scored, len(members))
	for i, m := range members {
		ranked[i] = scored{id: m, weight: xxhash.Sum64String(m + suffix)}
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		switch {
		case a.weight > b.weight:
			return -1
		case a.weight < b.weight:
			return 1
		}
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	n := min(r.overlap, len(ranked))
	out := make([]string, n)
	for i := range n {
		out[i] = ranked[i].id
	}
	return out
}
