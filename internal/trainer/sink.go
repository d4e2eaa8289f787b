package trainer

import (
	"context"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/events"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

// Event is one outward notification of the engine
type Event struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives every event the engine publishes. Publish is called on the
// publishing goroutine and must not block.
type Sink interface {
	Publish(Event)
}

// EventBus is a Sink fanning events out to any number of observers. There
// is no replay: an observer only sees events published after it registered.
type EventBus struct {
	event *events.CallbackEvent[Event]
}

var _ Sink = (*EventBus)(nil)

func NewEventBus() *EventBus {
	return &EventBus{event: events.NewCallbackEvent[Event](false)}
}

func (b *EventBus) Publish(e Event) {
	b.event.Notify(e)
}

// Listen registers an observer and returns its deregistration function
func (b *EventBus) Listen(fn func(Event)) func() {
	return b.event.Listen(fn)
}

// ListenContext registers an observer until ctx is done
func (b *EventBus) ListenContext(ctx context.Context, fn func(Event)) func() {
	return b.event.ListenContext(ctx, fn)
}

// publisher stamps and forwards events to a Sink
type publisher struct {
	sink  Sink
	clock func() time.Time
}

func (p publisher) emit(name string, payload any) {
	p.sink.Publish(Event{Name: name, Payload: payload, At: p.clock()})
}

// DiscoveredDevice is the payload of device-discovered
type DiscoveredDevice struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Type gatt.DeviceType `json:"type"`
	RSSI int16           `json:"rssi"`
}

// ConnectedDevice describes an occupied connection slot
type ConnectedDevice struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           gatt.DeviceType `json:"type"`
	Slot           SlotKind        `json:"slot"`
	State          SlotState       `json:"state"`
	ControlGranted bool            `json:"control_granted,omitempty"`
}
