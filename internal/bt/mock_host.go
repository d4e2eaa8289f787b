package bt

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
)

// Verify MockHost implements Host
var _ Host = (*MockHost)(nil)

// MockHost is an in-memory Host for running the engine without Bluetooth hardware
type MockHost struct {
	logger *log.Logger

	mu          sync.RWMutex
	peripherals []*MockPeripheral
	enabled     bool
	enableErr   error
	scanning    bool
	scanCancel  context.CancelFunc
	scanErr     error

	wg sync.WaitGroup
}

func NewMockHost(logger *log.Logger, peripherals ...*MockPeripheral) *MockHost {
	if logger == nil {
		panic("MockHost: logger cannot be nil")
	}
	return &MockHost{
		logger:      logger,
		peripherals: peripherals,
	}
}

// AddPeripheral makes p visible to the current and future scans
func (h *MockHost) AddPeripheral(p *MockPeripheral) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peripherals = append(h.peripherals, p)
}

// FailEnable makes the next Enable calls fail with err; nil clears it
func (h *MockHost) FailEnable(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enableErr = err
}

func (h *MockHost) Enable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enableErr != nil {
		h.enabled = false
		return fmt.Errorf("%w: %w", ErrAdapterUnavailable, h.enableErr)
	}
	h.enabled = true
	h.logger.Println("MockHost: Enabled")
	return nil
}

// LoseAdapter simulates the adapter disappearing: every connection drops
// and a running scan ends with ErrAdapterUnavailable
func (h *MockHost) LoseAdapter() {
	h.mu.Lock()
	h.enabled = false
	peripherals := slices.Clone(h.peripherals)
	h.mu.Unlock()

	h.EndScan(fmt.Errorf("%w: adapter removed", ErrAdapterUnavailable))
	for _, p := range peripherals {
		p.Drop()
	}
}

func (h *MockHost) StartScan(serviceUUIDFilter []string) (<-chan Peripheral, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.enabled {
		return nil, ErrAdapterUnavailable
	}
	if h.scanning {
		return nil, fmt.Errorf("scan already running")
	}

	filter := filterSet(serviceUUIDFilter)
	ctx, cancel := context.WithCancel(context.Background())
	h.scanning = true
	h.scanCancel = cancel
	h.scanErr = nil
	h.logger.Printf("MockHost: Starting scan, filter: %v", serviceUUIDFilter)

	out := make(chan Peripheral, 16)
	go_func_utils.SafeGoWG(h.logger, &h.wg, func() {
		defer close(out)

		seen := make(map[string]struct{})
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for {
			h.mu.RLock()
			candidates := slices.Clone(h.peripherals)
			h.mu.RUnlock()

			for _, p := range candidates {
				if _, ok := seen[p.ID()]; ok {
					continue
				}
				if !matchesFilter(filter, p.AdvertisedServiceUUIDs()) {
					continue
				}
				seen[p.ID()] = struct{}{}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})

	return out, nil
}

func (h *MockHost) StopScan() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.scanning {
		return nil
	}
	h.scanning = false
	h.scanErr = nil
	h.scanCancel()
	h.scanCancel = nil
	h.logger.Println("MockHost: Stopping scan")
	return nil
}

// EndScan ends a running scan the way an adapter does on its own, closing
// the result channel. err becomes ScanErr; nil is a clean end.
func (h *MockHost) EndScan(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.scanning {
		return
	}
	h.scanning = false
	h.scanErr = err
	h.scanCancel()
	h.scanCancel = nil
	h.logger.Printf("MockHost: Scan ended by adapter: %v", err)
}

func (h *MockHost) ScanErr() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.scanErr
}

func (h *MockHost) IsScanning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.scanning
}

func (h *MockHost) Peripheral(id string) (Peripheral, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peripherals {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

func (h *MockHost) Shutdown() {
	h.logger.Println("MockHost: Shutting down")
	_ = h.StopScan()

	h.mu.RLock()
	peripherals := slices.Clone(h.peripherals)
	h.mu.RUnlock()
	for _, p := range peripherals {
		_ = p.Disconnect()
	}
	h.wg.Wait()
	h.logger.Println("MockHost: Shutdown complete")
}

// WrittenValue records a write to a mock characteristic
type WrittenValue struct {
	Timestamp          time.Time
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
	WithResponse       bool
}

// MockPeripheralConfig describes a scripted peripheral
type MockPeripheralConfig struct {
	ID        string
	LocalName string
	RSSI      int16

	// AdvertisedServiceUUIDs are what a scan sees
	AdvertisedServiceUUIDs []string

	// ServiceUUIDs are what service discovery returns; defaults to the advertised set
	ServiceUUIDs []string
}

// MockPeripheral is a scripted Peripheral. Behaviour hooks let mock devices
// answer writes and track subscriptions; failure injection lets tests drive
// the error paths.
type MockPeripheral struct {
	logger *log.Logger
	cfg    MockPeripheralConfig

	mu           sync.Mutex
	connected    bool
	connectErr   error
	discoverErr  error
	subscribeErr map[string]error
	writeErr     error
	readValues   map[string][]byte
	writes       []WrittenValue
	calls        []string

	onWrite     func(serviceUUID, charUUID string, data []byte)
	onSubscribe func(charUUID string, subscribed bool)

	streams *streamSet
}

var _ Peripheral = (*MockPeripheral)(nil)

func NewMockPeripheral(logger *log.Logger, cfg MockPeripheralConfig) *MockPeripheral {
	if logger == nil {
		panic("MockPeripheral: logger cannot be nil")
	}
	if cfg.ServiceUUIDs == nil {
		cfg.ServiceUUIDs = cfg.AdvertisedServiceUUIDs
	}
	return &MockPeripheral{
		logger:       logger,
		cfg:          cfg,
		subscribeErr: make(map[string]error),
		readValues:   make(map[string][]byte),
		streams:      newStreamSet(),
	}
}

func (p *MockPeripheral) ID() string        { return p.cfg.ID }
func (p *MockPeripheral) LocalName() string { return p.cfg.LocalName }
func (p *MockPeripheral) RSSI() int16       { return p.cfg.RSSI }

func (p *MockPeripheral) AdvertisedServiceUUIDs() []string {
	return slices.Clone(p.cfg.AdvertisedServiceUUIDs)
}

func (p *MockPeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *MockPeripheral) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "connect")
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	p.logger.Printf("MockPeripheral: %s connected", p.cfg.LocalName)
	return nil
}

func (p *MockPeripheral) Disconnect() error {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	if wasConnected {
		p.calls = append(p.calls, "disconnect")
	}
	p.mu.Unlock()

	p.streams.closeAll()
	if wasConnected {
		p.notifySubscribeHook("", false)
		p.logger.Printf("MockPeripheral: %s disconnected", p.cfg.LocalName)
	}
	return nil
}

// Drop simulates the peripheral going out of range: the connection is lost
// and every notification stream ends, without a Disconnect call
func (p *MockPeripheral) Drop() {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.mu.Unlock()

	p.streams.closeAll()
	if wasConnected {
		p.notifySubscribeHook("", false)
		p.logger.Printf("MockPeripheral: %s connection lost", p.cfg.LocalName)
	}
}

func (p *MockPeripheral) DiscoverServices() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}
	return slices.Clone(p.cfg.ServiceUUIDs), nil
}

func (p *MockPeripheral) hasService(serviceUUID string) bool {
	return slices.ContainsFunc(p.cfg.ServiceUUIDs, func(s string) bool {
		return strings.EqualFold(s, serviceUUID)
	})
}

func (p *MockPeripheral) Subscribe(serviceUUID, charUUID string) (<-chan []byte, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	p.calls = append(p.calls, "subscribe:"+charUUID)
	if err := p.subscribeErr[charUUID]; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if !p.hasService(serviceUUID) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: service %s", ErrCharacteristicNotFound, serviceUUID)
	}
	p.mu.Unlock()

	stream, err := p.streams.open(streamKey(serviceUUID, charUUID))
	if err != nil {
		return nil, err
	}
	p.notifySubscribeHook(charUUID, true)
	return stream.ch, nil
}

func (p *MockPeripheral) Unsubscribe(serviceUUID, charUUID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, "unsubscribe:"+charUUID)
	p.mu.Unlock()

	if p.streams.closeOne(streamKey(serviceUUID, charUUID)) {
		p.notifySubscribeHook(charUUID, false)
	}
	return nil
}

func (p *MockPeripheral) Write(serviceUUID, charUUID string, data []byte, withResponse bool) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrNotConnected
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return err
	}
	p.writes = append(p.writes, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
		Data:               slices.Clone(data),
		WithResponse:       withResponse,
	})
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		hook(serviceUUID, charUUID, data)
	}
	return nil
}

func (p *MockPeripheral) Read(serviceUUID, charUUID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	v, ok := p.readValues[streamKey(serviceUUID, charUUID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}
	return slices.Clone(v), nil
}

// Notify pushes a payload onto a subscribed characteristic. It reports false
// when nobody is subscribed.
func (p *MockPeripheral) Notify(serviceUUID, charUUID string, data []byte) bool {
	stream, ok := p.streams.get(streamKey(serviceUUID, charUUID))
	if !ok {
		return false
	}
	return stream.push(data)
}

// IsSubscribed reports whether a stream is open on the characteristic
func (p *MockPeripheral) IsSubscribed(serviceUUID, charUUID string) bool {
	_, ok := p.streams.get(streamKey(serviceUUID, charUUID))
	return ok
}

// OnWrite installs the handler run after every successful write
func (p *MockPeripheral) OnWrite(fn func(serviceUUID, charUUID string, data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// OnSubscribe installs the handler run when a stream opens or closes. An
// empty charUUID means every stream closed at once.
func (p *MockPeripheral) OnSubscribe(fn func(charUUID string, subscribed bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSubscribe = fn
}

func (p *MockPeripheral) notifySubscribeHook(charUUID string, subscribed bool) {
	p.mu.Lock()
	hook := p.onSubscribe
	p.mu.Unlock()
	if hook != nil {
		hook(charUUID, subscribed)
	}
}

func (p *MockPeripheral) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

func (p *MockPeripheral) FailDiscover(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
}

func (p *MockPeripheral) FailSubscribe(charUUID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.subscribeErr, charUUID)
		return
	}
	p.subscribeErr[charUUID] = err
}

func (p *MockPeripheral) FailWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *MockPeripheral) SetReadValue(serviceUUID, charUUID string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readValues[streamKey(serviceUUID, charUUID)] = slices.Clone(data)
}

// Writes returns every write so far
func (p *MockPeripheral) Writes() []WrittenValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.writes)
}

// Calls returns the connect / subscribe / unsubscribe / disconnect history
func (p *MockPeripheral) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}
