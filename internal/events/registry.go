package events

import (
	"context"
	"sort"
	"sync"
)

// Handler reacts to a committed event.  A returned error triggers the
// subscription's retry policy; it never reaches the code that emitted the event.
type Handler func(ctx context.Context, ev Event) error

// Subscription binds a handler to an event type.
//
// Sync subscriptions run inline, in ascending Priority order, before Dispatch
// returns.  Async subscriptions are handed to the worker pool.  MaxAttempts
// of zero uses the dispatcher default.
type Subscription struct {
	Name        string
	Priority    int
	Async       bool
	MaxAttempts int
	Handler     Handler
}

// Registry maps event types to ordered subscriptions.  It is filled during
// initialisation and read concurrently afterwards.
type Registry struct {
	mu   sync.RWMutex
	subs map[Type][]Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[Type][]Subscription)}
}

// Subscribe registers s for each of the given event types.
func (r *Registry) Subscribe(s Subscription, types ...Type) {
	if s.Handler == nil {
		panic("events: nil handler for subscription " + s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		list := append(r.subs[t], s)
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
		r.subs[t] = list
	}
}

// For returns a copy of the subscriptions for t in priority order.
func (r *Registry) For(t Type) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, len(r.subs[t]))
	copy(out, r.subs[t])
	return out
}
