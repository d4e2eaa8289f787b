package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects callback values
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder[T]) get() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func TestNewCallbackEvent(t *testing.T) {
	event := NewCallbackEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.reg.replayLast)

	event2 := NewCallbackEvent[int](true)
	assert.True(t, event2.reg.replayLast)
}

func TestCallbackEvent_Listen_Notify(t *testing.T) {
	event := NewCallbackEvent[string](false)

	var rec recorder[string]
	unregister := event.Listen(rec.add)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("session-started")
	event.Notify("session-stopped")
	assert.Equal(t, []string{"session-started", "session-stopped"}, rec.get())

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("ignored")
	assert.Len(t, rec.get(), 2)
}

func TestCallbackEvent_MultipleListeners(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var rec1, rec2 recorder[int]
	defer event.Listen(rec1.add)()
	defer event.Listen(rec2.add)()

	event.Notify(42)
	event.Notify(100)

	assert.Equal(t, []int{42, 100}, rec1.get())
	assert.Equal(t, []int{42, 100}, rec2.get())
}

func TestCallbackEvent_ReplayLast(t *testing.T) {
	event := NewCallbackEvent[sample](true)

	var rec1 recorder[sample]
	defer event.Listen(rec1.add)()
	assert.Empty(t, rec1.get())

	event.Notify(sample{DeviceID: "hr-1", BPM: 80})
	assert.Len(t, rec1.get(), 1)

	var rec2 recorder[sample]
	defer event.Listen(rec2.add)()
	require.Len(t, rec2.get(), 1)
	assert.Equal(t, uint16(80), rec2.get()[0].BPM)

	event.Notify(sample{DeviceID: "hr-1", BPM: 90})
	assert.Len(t, rec1.get(), 2)
	assert.Len(t, rec2.get(), 2)
	assert.Equal(t, uint16(90), rec2.get()[1].BPM)
}

func TestCallbackEvent_NoReplay(t *testing.T) {
	event := NewCallbackEvent[string](false)
	event.Notify("first")

	var rec recorder[string]
	defer event.Listen(rec.add)()
	assert.Empty(t, rec.get())

	event.Notify("second")
	assert.Equal(t, []string{"second"}, rec.get())
}

func TestCallbackEvent_Listen_NilCallback(t *testing.T) {
	event := NewCallbackEvent[string](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestCallbackEvent_UnregisterDuringNotify(t *testing.T) {
	event := NewCallbackEvent[string](false)

	var rec recorder[string]
	var unregister func()
	unregister = event.Listen(func(value string) {
		rec.add(value)
		if value == "unregister" {
			unregister()
		}
	})

	event.Notify("test1")
	event.Notify("unregister")
	event.Notify("test2")

	assert.Equal(t, []string{"test1", "unregister"}, rec.get())
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_MultipleUnregisterCalls(t *testing.T) {
	event := NewCallbackEvent[string](false)

	unregister := event.Listen(func(string) {})
	unregister()
	unregister()
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_ListenContext(t *testing.T) {
	event := NewCallbackEvent[int](false)
	ctx, cancel := context.WithCancel(context.Background())

	var rec recorder[int]
	event.ListenContext(ctx, rec.add)
	event.Notify(1)

	cancel()
	assert.Eventually(t, func() bool { return event.ListenerCount() == 0 }, time.Second, 5*time.Millisecond)

	event.Notify(2)
	assert.Equal(t, []int{1}, rec.get())
}

func TestCallbackEvent_ConcurrentAccess(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var rec recorder[int]
	var wg sync.WaitGroup
	var unregisterMu sync.Mutex
	unregisters := make([]func(), 0, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := event.Listen(rec.add)
			unregisterMu.Lock()
			unregisters = append(unregisters, u)
			unregisterMu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, event.ListenerCount())

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(value int) {
			defer wg.Done()
			event.Notify(value)
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.get(), 50)

	for _, u := range unregisters {
		u()
	}
	assert.Equal(t, 0, event.ListenerCount())
}
