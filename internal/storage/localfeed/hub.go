// Package localfeed fans out in-process change notifications for embedded
// backends whose writers all live in the current process.
package localfeed

import (
	"strings"
	"sync"

	"pkt.systems/shardq/internal/storage"
)

// Hub tracks subscriptions keyed by namespace and key prefix.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[*subscription]struct{})}
}

// Subscribe registers interest in keys under prefix within namespace.
func (h *Hub) Subscribe(namespace, prefix string) (storage.ChangeSubscription, error) {
	sub := &subscription{
		hub:       h,
		namespace: namespace,
		prefix:    prefix,
		events:    make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, storage.ErrClosed
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Notify signals every subscription whose prefix covers key.
func (h *Hub) Notify(namespace, key string) {
	h.mu.Lock()
	var due []*subscription
	for sub := range h.subs {
		if sub.namespace == namespace && strings.HasPrefix(key, sub.prefix) {
			due = append(due, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range due {
		sub.signal()
	}
}

// Close closes every subscription; later Subscribe calls fail with
// storage.ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*subscription]struct{})
	h.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type subscription struct {
	hub       *Hub
	namespace string
	prefix    string

	mu     sync.Mutex
	events chan struct{}
	done   bool
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.events)
	}
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}
