package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/safe_map"

	"tinygo.org/x/bluetooth"
)

var _ Peripheral = (*tinyGoPeripheral)(nil)

type tinyGoPeripheral struct {
	adapter *bluetooth.Adapter
	address bluetooth.Address
	logger  *log.Logger

	mu         sync.RWMutex
	localName  string
	rssi       int16
	advertised []string
	lastSeen   time.Time
	device     *bluetooth.Device // nil when not connected

	// bleMu serialises GATT operations on the connection
	bleMu              sync.Mutex
	servicesDiscovered bool
	serviceByUUID      *safe_map.SafeMap[string, *bluetooth.DeviceService]
	charsDiscovered    *safe_map.SafeMap[string, bool]
	charByKey          *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]

	streams *streamSet
}

func newTinyGoPeripheral(adapter *bluetooth.Adapter, logger *log.Logger, address bluetooth.Address) *tinyGoPeripheral {
	return &tinyGoPeripheral{
		adapter:         adapter,
		address:         address,
		logger:          logger,
		serviceByUUID:   safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		charsDiscovered: safe_map.NewSafeMap[string, bool](),
		charByKey:       safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		streams:         newStreamSet(),
	}
}

func (p *tinyGoPeripheral) ID() string {
	return p.address.String()
}

func (p *tinyGoPeripheral) LocalName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localName
}

func (p *tinyGoPeripheral) AdvertisedServiceUUIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.advertised...)
}

func (p *tinyGoPeripheral) RSSI() int16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rssi
}

func (p *tinyGoPeripheral) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.device != nil
}

func (p *tinyGoPeripheral) setAdvertisement(result bluetooth.ScanResult, advertised []string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name := result.LocalName(); name != "" {
		p.localName = name
	}
	// some stacks split service UUIDs across advertisement and scan response
	if len(advertised) > 0 {
		p.advertised = advertised
	}
	p.rssi = result.RSSI
	p.lastSeen = at
}

func (p *tinyGoPeripheral) lastSeenAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// Connect blocks until the adapter connects or ctx is done. The adapter call
// itself cannot be cancelled, so a connection that completes after ctx is
// done is torn down again.
func (p *tinyGoPeripheral) Connect(ctx context.Context) error {
	if p.IsConnected() {
		return nil
	}

	p.logger.Printf("TinyGoHost: Connecting to %s", p.ID())
	done := make(chan connectResult, 1)
	go func() {
		device, err := p.adapter.Connect(p.address, bluetooth.ConnectionParams{})
		done <- connectResult{device: device, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("connect %s: %w", p.ID(), wrapAdapterErr(res.err))
		}
		p.setDevice(&res.device)
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				p.logger.Printf("TinyGoHost: Late connection to %s after cancel, disconnecting", p.ID())
				_ = res.device.Disconnect()
			}
		}()
		return fmt.Errorf("connect %s: %w", p.ID(), ctx.Err())
	}
}

func (p *tinyGoPeripheral) setDevice(device *bluetooth.Device) {
	p.bleMu.Lock()
	p.servicesDiscovered = false
	p.serviceByUUID.Clear()
	p.charsDiscovered.Clear()
	p.charByKey.Clear()
	p.bleMu.Unlock()

	p.mu.Lock()
	p.device = device
	p.mu.Unlock()
}

func (p *tinyGoPeripheral) getDevice() *bluetooth.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.device
}

// markDisconnected drops the connection and ends every notification stream
func (p *tinyGoPeripheral) markDisconnected() {
	p.mu.Lock()
	p.device = nil
	p.mu.Unlock()
	p.streams.closeAll()
}

func (p *tinyGoPeripheral) Disconnect() error {
	device := p.getDevice()
	if device == nil {
		return nil
	}
	err := device.Disconnect()
	p.markDisconnected()
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", p.ID(), err)
	}
	return nil
}

func (p *tinyGoPeripheral) DiscoverServices() ([]string, error) {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	if err := p.discoverServicesLocked(); err != nil {
		return nil, err
	}
	uuids := make([]string, 0, p.serviceByUUID.Len())
	p.serviceByUUID.Range(func(uuid string, _ *bluetooth.DeviceService) bool {
		uuids = append(uuids, uuid)
		return true
	})
	return uuids, nil
}

// discoverServicesLocked discovers every service in one go. Discovering
// single services repeatedly interrupts services already in use on some
// stacks.
func (p *tinyGoPeripheral) discoverServicesLocked() error {
	if p.servicesDiscovered {
		return nil
	}
	device := p.getDevice()
	if device == nil {
		return ErrNotConnected
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("discovering services: %w", wrapAdapterErr(err))
	}
	for i := range services {
		svc := &services[i]
		p.serviceByUUID.Store(svc.UUID().String(), svc)
	}
	p.servicesDiscovered = true
	p.logger.Printf("TinyGoHost: %s has %d services", p.ID(), len(services))
	return nil
}

func (p *tinyGoPeripheral) characteristicLocked(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, string, error) {
	if p.getDevice() == nil {
		return nil, "", ErrNotConnected
	}
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, "", fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}
	chUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, "", fmt.Errorf("invalid characteristic UUID %q: %w", charUUID, err)
	}
	svcKey := svcUUID.String()
	key := streamKey(svcKey, chUUID.String())

	if char, ok := p.charByKey.Load(key); ok {
		return char, key, nil
	}

	if discovered, _ := p.charsDiscovered.Load(svcKey); !discovered {
		if err := p.discoverServicesLocked(); err != nil {
			return nil, "", err
		}
		svc, ok := p.serviceByUUID.Load(svcKey)
		if !ok {
			return nil, "", fmt.Errorf("%w: service %s not on device", ErrCharacteristicNotFound, svcKey)
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, "", fmt.Errorf("discovering characteristics of %s: %w", svcKey, wrapAdapterErr(err))
		}
		for i := range chars {
			char := &chars[i]
			p.charByKey.Store(streamKey(svcKey, char.UUID().String()), char)
		}
		p.charsDiscovered.Store(svcKey, true)
	}

	char, ok := p.charByKey.Load(key)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s in service %s", ErrCharacteristicNotFound, chUUID.String(), svcKey)
	}
	return char, key, nil
}

func (p *tinyGoPeripheral) Subscribe(serviceUUID, charUUID string) (<-chan []byte, error) {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, key, err := p.characteristicLocked(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	stream, err := p.streams.open(key)
	if err != nil {
		return nil, err
	}

	err = char.EnableNotifications(func(buf []byte) {
		if !stream.push(buf) {
			if n := stream.droppedCount(); n > 0 && n%100 == 1 {
				p.logger.Printf("TinyGoHost: %s notification backlog full on %s, %d dropped", p.ID(), charUUID, n)
			}
		}
	})
	if err != nil {
		p.streams.closeOne(key)
		return nil, fmt.Errorf("enable notifications on %s: %w", charUUID, wrapAdapterErr(err))
	}

	p.logger.Printf("TinyGoHost: Subscribed to %s on %s", charUUID, p.ID())
	return stream.ch, nil
}

func (p *tinyGoPeripheral) Unsubscribe(serviceUUID, charUUID string) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, key, err := p.characteristicLocked(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	defer p.streams.closeOne(key)

	// a nil callback disables notifications
	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications on %s: %w", charUUID, err)
	}
	return nil
}

func (p *tinyGoPeripheral) Write(serviceUUID, charUUID string, data []byte, withResponse bool) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, _, err := p.characteristicLocked(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if withResponse {
		_, err = char.Write(data)
	} else {
		_, err = char.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", charUUID, err)
	}
	return nil
}

func (p *tinyGoPeripheral) Read(serviceUUID, charUUID string) ([]byte, error) {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, _, err := p.characteristicLocked(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", charUUID, err)
	}
	return buf[:n], nil
}
