package events

import (
	"context"
	"sync"
)

// registry is the listener bookkeeping shared by ChannelEvent and
// CallbackEvent. L is the listener type (a channel or a callback).
type registry[T any, L any] struct {
	mu        sync.RWMutex
	listeners map[uint64]L
	nextID    uint64

	replayLast bool
	last       T
	hasLast    bool
}

func newRegistry[T any, L any](replayLast bool) registry[T, L] {
	return registry[T, L]{
		listeners:  make(map[uint64]L),
		replayLast: replayLast,
	}
}

// add registers l and returns its id plus the value to replay, if any
func (r *registry[T, L]) add(l L) (uint64, T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	return id, r.last, r.replayLast && r.hasLast
}

func (r *registry[T, L]) remove(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// remover returns an idempotent deregistration function for id
func (r *registry[T, L]) remover(id uint64) func() {
	return func() { r.remove(id) }
}

// record stores value for replay and returns a snapshot of the listeners.
// Listeners are invoked on the snapshot, outside the lock, so a listener may
// deregister itself while being notified.
func (r *registry[T, L]) record(value T) []L {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replayLast {
		r.last = value
		r.hasLast = true
	}
	snapshot := make([]L, 0, len(r.listeners))
	for _, l := range r.listeners {
		snapshot = append(snapshot, l)
	}
	return snapshot
}

func (r *registry[T, L]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// lastValue returns the remembered value and whether one has been recorded
func (r *registry[T, L]) lastValue() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.hasLast
}

// untilDone calls unregister once ctx is done, or never if stop is called first
func untilDone(ctx context.Context, unregister func()) func() {
	stop := context.AfterFunc(ctx, unregister)
	return func() {
		stop()
		unregister()
	}
}
