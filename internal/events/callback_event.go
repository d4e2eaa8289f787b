package events

import (
	"context"
)

// CallbackEvent calls listener functions synchronously on Notify
type CallbackEvent[T any] struct {
	reg registry[T, func(T)]
}

// NewCallbackEvent creates a CallbackEvent. With sendLastEventOnListen set, a
// new listener is called straight away with the most recent value, if any.
func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{reg: newRegistry[T, func(T)](sendLastEventOnListen)}
}

// Listen registers callback and returns its deregistration function
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	id, last, replay := e.reg.add(callback)
	if replay {
		callback(last)
	}
	return e.reg.remover(id)
}

// ListenContext is Listen with the registration tied to ctx
func (e *CallbackEvent[T]) ListenContext(ctx context.Context, callback func(T)) func() {
	return untilDone(ctx, e.Listen(callback))
}

// Notify calls every registered callback with value, on the caller's goroutine
func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.reg.record(value) {
		callback(value)
	}
}

// Last returns the remembered value, if replay is enabled and Notify has run
func (e *CallbackEvent[T]) Last() (T, bool) {
	return e.reg.lastValue()
}

// ListenerCount returns the current number of registered listeners
func (e *CallbackEvent[T]) ListenerCount() int {
	return e.reg.count()
}
