package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// Verify TinyGoHost implements Host
var _ Host = (*TinyGoHost)(nil)

// TinyGoHost is the Host backed by tinygo.org/x/bluetooth
type TinyGoHost struct {
	adapter      *bluetooth.Adapter
	logger       *log.Logger
	staleTimeout time.Duration

	mu          sync.RWMutex
	peripherals map[string]*tinyGoPeripheral
	scanning    bool
	scanCancel  context.CancelFunc
	scanGen     uint64
	scanErr     error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTinyGoHost wraps adapter. Peripherals not advertised for staleTimeout
// are forgotten unless they are connected.
func NewTinyGoHost(adapter *bluetooth.Adapter, logger *log.Logger, staleTimeout time.Duration) *TinyGoHost {
	if adapter == nil {
		panic("TinyGoHost: adapter cannot be nil")
	}
	if logger == nil {
		panic("TinyGoHost: logger cannot be nil")
	}
	if staleTimeout <= 0 {
		staleTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TinyGoHost{
		adapter:      adapter,
		logger:       logger,
		staleTimeout: staleTimeout,
		peripherals:  make(map[string]*tinyGoPeripheral),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (h *TinyGoHost) Enable() error {
	h.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id := device.Address.String()
		h.mu.RLock()
		p, ok := h.peripherals[id]
		h.mu.RUnlock()

		if connected {
			h.logger.Printf("TinyGoHost: Device connected: %s", id)
			return
		}
		h.logger.Printf("TinyGoHost: Device disconnected: %s", id)
		if ok {
			p.markDisconnected()
		}
	})

	if err := h.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	}
	return nil
}

func (h *TinyGoHost) StartScan(serviceUUIDFilter []string) (<-chan Peripheral, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.scanning {
		return nil, fmt.Errorf("scan already running")
	}

	filter := filterSet(serviceUUIDFilter)
	h.logger.Printf("TinyGoHost: Starting scan, filter: %v", serviceUUIDFilter)

	scanCtx, scanCancel := context.WithCancel(h.ctx)
	h.scanning = true
	h.scanCancel = scanCancel
	h.scanGen++
	h.scanErr = nil
	gen := h.scanGen

	out := make(chan Peripheral, 16)

	go_func_utils.SafeGoWG(h.logger, &h.wg, func() {
		h.cleanupStale(scanCtx)
	})

	go_func_utils.SafeGoWG(h.logger, &h.wg, func() {
		defer close(out)
		defer h.logger.Printf("TinyGoHost: exiting scan loop")

		seen := make(map[string]struct{})
		err := h.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if scanCtx.Err() != nil {
				// the adapter still needs StopScan; ignore stragglers
				return
			}

			advertised := uuidStrings(result.ServiceUUIDs())
			if !matchesFilter(filter, advertised) {
				return
			}

			p := h.observe(result, advertised)
			if _, ok := seen[p.ID()]; ok {
				return
			}
			seen[p.ID()] = struct{}{}
			h.logger.Printf("TinyGoHost: Found device: %q (%s) [RSSI: %d]", p.LocalName(), p.ID(), result.RSSI)

			select {
			case out <- p:
			case <-scanCtx.Done():
			}
		})
		if err != nil {
			h.logger.Printf("TinyGoHost: Scan error: %v", err)
		}
		h.scanFinished(gen, err)
	})

	return out, nil
}

// scanFinished resets the scan state when the adapter ended scan gen on its
// own. A running scan only fails when the adapter goes away.
func (h *TinyGoHost) scanFinished(gen uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.scanning || h.scanGen != gen {
		return
	}
	h.scanning = false
	h.scanCancel()
	h.scanCancel = nil
	if err != nil {
		h.scanErr = fmt.Errorf("%w: scan: %w", ErrAdapterUnavailable, err)
	}
	h.logger.Printf("TinyGoHost: Scan ended by adapter")
}

func (h *TinyGoHost) ScanErr() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.scanErr
}

// observe records an advertisement and returns the peripheral it belongs to
func (h *TinyGoHost) observe(result bluetooth.ScanResult, advertised []string) *tinyGoPeripheral {
	id := result.Address.String()

	h.mu.Lock()
	p, ok := h.peripherals[id]
	if !ok {
		p = newTinyGoPeripheral(h.adapter, h.logger, result.Address)
		h.peripherals[id] = p
	}
	h.mu.Unlock()

	p.setAdvertisement(result, advertised, time.Now())
	return p
}

func (h *TinyGoHost) cleanupStale(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var removed []string

			h.mu.Lock()
			for id, p := range h.peripherals {
				if !p.IsConnected() && now.Sub(p.lastSeenAt()) > h.staleTimeout {
					delete(h.peripherals, id)
					removed = append(removed, id)
				}
			}
			h.mu.Unlock()

			for _, id := range removed {
				h.logger.Printf("TinyGoHost: Device timeout: %s (not seen for %v)", id, h.staleTimeout)
			}
		}
	}
}

func (h *TinyGoHost) StopScan() error {
	h.mu.Lock()
	if !h.scanning {
		h.mu.Unlock()
		return nil
	}
	h.scanning = false
	h.scanErr = nil
	cancel := h.scanCancel
	h.scanCancel = nil
	h.mu.Unlock()

	// the scan callback takes h.mu, so the adapter is stopped outside it
	cancel()
	h.logger.Printf("TinyGoHost: Stopping scan")
	return h.adapter.StopScan()
}

func (h *TinyGoHost) IsScanning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.scanning
}

func (h *TinyGoHost) Peripheral(id string) (Peripheral, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peripherals[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// Shutdown disconnects every connected peripheral, stops scanning and waits
// for the background goroutines
func (h *TinyGoHost) Shutdown() {
	h.logger.Println("TinyGoHost: Shutting down")

	h.mu.RLock()
	connected := make([]*tinyGoPeripheral, 0)
	for _, p := range h.peripherals {
		if p.IsConnected() {
			connected = append(connected, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range connected {
		if err := p.Disconnect(); err != nil {
			h.logger.Printf("TinyGoHost: Error disconnecting from %v: %v", p.ID(), err)
		}
	}
	if err := h.StopScan(); err != nil {
		h.logger.Printf("TinyGoHost: Error stopping scan: %v", err)
	}
	h.cancel()
	h.wg.Wait()
	h.logger.Println("TinyGoHost: Shutdown complete")
}

func uuidStrings(uuids []bluetooth.UUID) []string {
	out := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		out = append(out, uuid.String())
	}
	return out
}
