package events

import (
	"context"
)

// ChannelEvent fans values out to listener channels. Sends never block: a
// listener whose buffer is full misses that value.
type ChannelEvent[T any] struct {
	reg registry[T, chan<- T]
}

// NewChannelEvent creates a ChannelEvent. With sendLastEventOnListen set, a
// new listener is immediately sent the most recent value, if there is one.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{reg: newRegistry[T, chan<- T](sendLastEventOnListen)}
}

// Listen registers ch and returns its deregistration function
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	id, last, replay := e.reg.add(ch)
	if replay {
		trySend(ch, last)
	}
	return e.reg.remover(id)
}

// ListenContext is Listen with the registration tied to ctx
func (e *ChannelEvent[T]) ListenContext(ctx context.Context, ch chan<- T) func() {
	return untilDone(ctx, e.Listen(ch))
}

// Notify sends value to every registered channel without blocking
func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.reg.record(value) {
		trySend(ch, value)
	}
}

// Last returns the remembered value, if replay is enabled and Notify has run
func (e *ChannelEvent[T]) Last() (T, bool) {
	return e.reg.lastValue()
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	return e.reg.count()
}

func trySend[T any](ch chan<- T, value T) bool {
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}
