package trainer

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// recordingSink keeps every published event
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{signal: make(chan struct{}, 1)}
}

func (r *recordingSink) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// named returns the events published under name, in order
func (r *recordingSink) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// waitFor blocks until at least n events named name were published
func (r *recordingSink) waitFor(t *testing.T, name string, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := r.named(name); len(got) >= n {
			return got
		}
		select {
		case <-r.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timeout waiting for %d %q events, got %d", n, name, len(r.named(name)))
			return nil
		}
	}
}

func (r *recordingSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
