package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/events"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
)

// DiscoveryFeed turns the host's scan results into discovery events.
// Listeners only see devices discovered after they registered.
type DiscoveryFeed struct {
	host   bt.Host
	logger *log.Logger
	pub    publisher

	discovered *events.ChannelEvent[DiscoveredDevice]
	ended      *events.CallbackEvent[error]

	mu     sync.Mutex
	cancel context.CancelFunc
	filter gatt.DeviceType
	wg     sync.WaitGroup
}

func NewDiscoveryFeed(host bt.Host, pub publisher, logger *log.Logger) *DiscoveryFeed {
	if host == nil {
		panic("DiscoveryFeed: host cannot be nil")
	}
	if logger == nil {
		panic("DiscoveryFeed: logger cannot be nil")
	}
	return &DiscoveryFeed{
		host:       host,
		logger:     logger,
		pub:        pub,
		discovered: events.NewChannelEvent[DiscoveredDevice](false),
		ended:      events.NewCallbackEvent[error](false),
	}
}

// Start begins a scan restricted to the services of filter. Starting while
// a scan runs is a no-op.
func (f *DiscoveryFeed) Start(filter gatt.DeviceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.logger.Printf("DiscoveryFeed: Scan already running (%s)", f.filter)
		return nil
	}

	results, err := f.host.StartScan(filter.ScanFilter())
	if err != nil {
		if errors.Is(err, bt.ErrAdapterUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrScanFailure, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.filter = filter
	f.logger.Printf("DiscoveryFeed: Scanning for %s devices", filter)

	f.wg.Add(1)
	go_func_utils.SafeGo(f.logger, func() {
		defer f.wg.Done()
		f.consume(ctx, results)
	})
	return nil
}

// Stop ends the scan. Stopping an idle feed is a no-op.
func (f *DiscoveryFeed) Stop() error {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if err := f.host.StopScan(); err != nil {
		return fmt.Errorf("%w: stop: %w", ErrScanFailure, err)
	}
	f.logger.Printf("DiscoveryFeed: Scan stopped")
	return nil
}

// IsScanning reports whether a scan started by this feed is running
func (f *DiscoveryFeed) IsScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// Listen registers ch for discoveries and returns its deregistration function
func (f *DiscoveryFeed) Listen(ch chan<- DiscoveredDevice) func() {
	return f.discovered.Listen(ch)
}

// ListenScanEnded registers fn for scans the host ended on its own. fn gets
// the host's ScanErr, nil for a clean end.
func (f *DiscoveryFeed) ListenScanEnded(fn func(error)) func() {
	return f.ended.Listen(fn)
}

// Wait blocks until the scan consumer goroutine has exited
func (f *DiscoveryFeed) Wait() {
	f.wg.Wait()
}

func (f *DiscoveryFeed) consume(ctx context.Context, results <-chan bt.Peripheral) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-results:
			if !ok {
				f.scanEnded(ctx)
				return
			}
			if ctx.Err() != nil {
				return
			}
			f.publish(p)
		}
	}
}

func (f *DiscoveryFeed) publish(p bt.Peripheral) {
	name := p.LocalName()
	if name == "" || p.IsConnected() {
		return
	}

	device := DiscoveredDevice{
		ID:   p.ID(),
		Name: name,
		Type: gatt.Classify(p.AdvertisedServiceUUIDs()),
		RSSI: p.RSSI(),
	}
	f.discovered.Notify(device)
	f.pub.emit(EventDeviceDiscovered, device)
}

// scanEnded handles the host closing the result stream on its own
func (f *DiscoveryFeed) scanEnded(ctx context.Context) {
	f.mu.Lock()
	ended := ctx.Err() == nil && f.cancel != nil
	if ended {
		f.cancel()
		f.cancel = nil
	}
	f.mu.Unlock()
	if !ended {
		return
	}

	err := f.host.ScanErr()
	if err != nil {
		f.logger.Printf("DiscoveryFeed: Scan ended by host: %v", err)
	} else {
		f.logger.Printf("DiscoveryFeed: Scan ended by host")
	}
	f.ended.Notify(err)
}
