package bt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrAdapterUnavailable means no usable Bluetooth adapter could be enabled
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")

	ErrNotConnected           = errors.New("peripheral not connected")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrAlreadySubscribed      = errors.New("characteristic already subscribed")
)

// Host is the BLE host stack: adapter, scanner and the peripherals it has seen
type Host interface {
	Enable() error

	// StartScan begins scanning. Each peripheral advertising at least one of
	// serviceUUIDFilter (or any peripheral, when the filter is empty) is sent
	// on the returned channel the first time it is seen during this scan. The
	// channel is closed when the scan stops.
	StartScan(serviceUUIDFilter []string) (<-chan Peripheral, error)
	StopScan() error
	IsScanning() bool

	// ScanErr reports why the last scan ended without StopScan. It is nil
	// while a scan runs, after StopScan and when the host ended it cleanly.
	ScanErr() error

	// Peripheral looks up a peripheral seen by an earlier scan
	Peripheral(id string) (Peripheral, bool)

	Shutdown()
}

// Peripheral is a remote device known to the host. The host owns its
// lifetime; callers hold references only.
type Peripheral interface {
	ID() string
	LocalName() string
	AdvertisedServiceUUIDs() []string
	RSSI() int16
	IsConnected() bool

	Connect(ctx context.Context) error
	Disconnect() error

	// DiscoverServices returns the UUIDs of every service on the connected device
	DiscoverServices() ([]string, error)

	// Subscribe enables notifications (or indications) on a characteristic.
	// Payloads arrive on the returned channel in arrival order. The channel
	// is closed by Unsubscribe or when the connection drops.
	Subscribe(serviceUUID, charUUID string) (<-chan []byte, error)
	Unsubscribe(serviceUUID, charUUID string) error

	Write(serviceUUID, charUUID string, data []byte, withResponse bool) error
	Read(serviceUUID, charUUID string) ([]byte, error)
}

// adapterGoneMarkers are the BlueZ errors returned once the adapter has been
// removed or powered off
var adapterGoneMarkers = []string{
	"org.bluez.Error.NotReady",
	"org.freedesktop.DBus.Error.UnknownObject",
	"org.freedesktop.DBus.Error.ServiceUnknown",
	"Resource Not Ready",
}

// wrapAdapterErr marks err as ErrAdapterUnavailable when it shows the adapter is gone
func wrapAdapterErr(err error) error {
	if err == nil || errors.Is(err, ErrAdapterUnavailable) {
		return err
	}
	msg := err.Error()
	for _, marker := range adapterGoneMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
		}
	}
	return err
}

// notifyBufferSize is the per-characteristic notification backlog before
// payloads are dropped
const notifyBufferSize = 64

// notifyStream adapts a push-style notification callback onto a channel that
// can be closed safely while callbacks are still arriving
type notifyStream struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	dropped uint64
}

func newNotifyStream() *notifyStream {
	return &notifyStream{ch: make(chan []byte, notifyBufferSize)}
}

// push copies buf onto the stream. It never blocks: when the reader is behind
// the payload is dropped and counted.
func (s *notifyStream) push(buf []byte) bool {
	payload := append([]byte(nil), buf...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- payload:
		return true
	default:
		s.dropped++
		return false
	}
}

func (s *notifyStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *notifyStream) droppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// streamSet tracks the open notification streams of one connection, keyed by
// service and characteristic UUID
type streamSet struct {
	mu      sync.Mutex
	streams map[string]*notifyStream
}

func newStreamSet() *streamSet {
	return &streamSet{streams: make(map[string]*notifyStream)}
}

func streamKey(serviceUUID, charUUID string) string {
	return serviceUUID + "_" + charUUID
}

func (s *streamSet) open(key string) (*notifyStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[key]; ok {
		return nil, ErrAlreadySubscribed
	}
	stream := newNotifyStream()
	s.streams[key] = stream
	return stream, nil
}

func (s *streamSet) get(key string) (*notifyStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[key]
	return stream, ok
}

func (s *streamSet) closeOne(key string) bool {
	s.mu.Lock()
	stream, ok := s.streams[key]
	delete(s.streams, key)
	s.mu.Unlock()

	if ok {
		stream.close()
	}
	return ok
}

func (s *streamSet) closeAll() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*notifyStream)
	s.mu.Unlock()

	for _, stream := range streams {
		stream.close()
	}
}

// matchesFilter reports whether any advertised UUID is in filter; an empty
// filter matches everything
func matchesFilter(filter map[string]struct{}, advertised []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, uuid := range advertised {
		if _, ok := filter[strings.ToLower(uuid)]; ok {
			return true
		}
	}
	return false
}

func filterSet(serviceUUIDFilter []string) map[string]struct{} {
	set := make(map[string]struct{}, len(serviceUUIDFilter))
	for _, uuid := range serviceUUIDFilter {
		set[strings.ToLower(uuid)] = struct{}{}
	}
	return set
}
