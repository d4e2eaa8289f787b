package dashboard

import (
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/events"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/workout"
)

const maxLogLines = 1000

// DeviceEntry is a discovered device with the time it was last advertised
type DeviceEntry struct {
	trainer.DiscoveredDevice
	LastSeen time.Time
}

// ConnectedBySlot holds the occupant of each connection slot
type ConnectedBySlot map[trainer.SlotKind]trainer.ConnectedDevice

// Metrics holds the most recent telemetry and set-points. A nil field has not
// been reported yet.
type Metrics struct {
	HeartRate      *uint16
	PowerWatts     *int16
	CadenceRpm     *float64
	SpeedKmh       *float64
	DistanceMeters *uint32

	TargetPowerWatts int16
	TargetCadenceRpm float64
}

var _ io.Writer = (*Model)(nil)

// StatusView is what the status panel renders
type StatusView struct {
	Engine   trainer.EngineStatus
	Session  trainer.SessionStatus
	SpinDown string
	Workout  workout.State
}

// Model is the dashboard state, fed by engine events
type Model struct {
	logger     *log.Logger
	clock      func() time.Time
	staleAfter time.Duration

	devicesEvent   *events.ChannelEvent[[]DeviceEntry]
	connectedEvent *events.ChannelEvent[ConnectedBySlot]
	metricsEvent   *events.ChannelEvent[Metrics]
	statusEvent    *events.ChannelEvent[StatusView]
	logEvent       *events.ChannelEvent[string]
	closeEvent     *events.ChannelEvent[struct{}]

	mu        sync.RWMutex
	devices   map[string]DeviceEntry
	connected ConnectedBySlot
	metrics   Metrics
	status    StatusView

	logMu    sync.RWMutex
	logLines []string
}

// NewModel creates an empty model. Devices not advertised for staleAfter are
// dropped by Prune; zero keeps them forever.
func NewModel(logger *log.Logger, staleAfter time.Duration, clock func() time.Time) *Model {
	if logger == nil {
		panic("Model: logger cannot be nil")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Model{
		logger:         logger,
		clock:          clock,
		staleAfter:     staleAfter,
		devicesEvent:   events.NewChannelEvent[[]DeviceEntry](true),
		connectedEvent: events.NewChannelEvent[ConnectedBySlot](true),
		metricsEvent:   events.NewChannelEvent[Metrics](true),
		statusEvent:    events.NewChannelEvent[StatusView](true),
		logEvent:       events.NewChannelEvent[string](false),
		closeEvent:     events.NewChannelEvent[struct{}](true),
		devices:        make(map[string]DeviceEntry),
		connected:      make(ConnectedBySlot),
		metrics:        Metrics{TargetPowerWatts: defaultTargetPowerWatts, TargetCadenceRpm: defaultTargetCadenceRpm},
		status:         StatusView{Session: trainer.SessionStopped},
		logLines:       make([]string, 0, maxLogLines),
	}
}

func (m *Model) ListenToDevices(ch chan<- []DeviceEntry) func() {
	return m.devicesEvent.Listen(ch)
}

func (m *Model) ListenToConnected(ch chan<- ConnectedBySlot) func() {
	return m.connectedEvent.Listen(ch)
}

func (m *Model) ListenToMetrics(ch chan<- Metrics) func() {
	return m.metricsEvent.Listen(ch)
}

func (m *Model) ListenToStatus(ch chan<- StatusView) func() {
	return m.statusEvent.Listen(ch)
}

func (m *Model) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

func (m *Model) ListenToClose(ch chan<- struct{}) func() {
	return m.closeEvent.Listen(ch)
}

// RequestClose signals that the dashboard should exit
func (m *Model) RequestClose() {
	m.closeEvent.Notify(struct{}{})
}

// Apply folds one engine event into the model. It is registered as an
// EventBus observer and runs on the publishing goroutine.
func (m *Model) Apply(e trainer.Event) {
	switch e.Name {
	case trainer.EventDeviceDiscovered:
		if d, ok := e.Payload.(trainer.DiscoveredDevice); ok {
			m.addDevice(d, e.At)
		}
	case trainer.EventDeviceConnected:
		if d, ok := e.Payload.(trainer.ConnectedDevice); ok {
			m.setConnected(d)
		}
	case trainer.EventDeviceDisconnected:
		if d, ok := e.Payload.(trainer.ConnectedDevice); ok {
			m.clearConnected(d.ID)
		}
	case trainer.EventHeartRateSample:
		if hr, ok := e.Payload.(gatt.HeartRateMeasurement); ok {
			m.updateMetrics(func(metrics *Metrics) {
				bpm := hr.BPM
				metrics.HeartRate = &bpm
			})
		}
	case trainer.EventIndoorBikeSample:
		if d, ok := e.Payload.(gatt.IndoorBikeData); ok {
			m.updateMetrics(func(metrics *Metrics) { mergeBikeData(metrics, d) })
		}
	case trainer.EventTargetPowerChanged:
		if watts, ok := e.Payload.(int16); ok {
			m.SetTargetPower(watts)
		}
	case trainer.EventTargetCadenceChanged:
		if rpm, ok := e.Payload.(float64); ok {
			m.SetTargetCadence(rpm)
		}
	case trainer.EventSessionStarted:
		m.updateStatus(func(s *StatusView) { s.Session = trainer.SessionStarted })
	case trainer.EventSessionStopped:
		action, _ := e.Payload.(string)
		m.updateStatus(func(s *StatusView) {
			if action == gatt.StopActionPause.String() {
				s.Session = trainer.SessionPaused
			} else {
				s.Session = trainer.SessionStopped
			}
		})
	case trainer.EventSpinDownStart:
		m.updateStatus(func(s *StatusView) { s.SpinDown = "Speed up to the target speed" })
	case trainer.EventSpinDownStopPedaling:
		m.updateStatus(func(s *StatusView) { s.SpinDown = "Stop pedaling" })
	case trainer.EventSpinDownSuccess:
		elapsed, _ := e.Payload.(uint16)
		m.updateStatus(func(s *StatusView) { s.SpinDown = formatSpinDownSuccess(elapsed) })
	case trainer.EventSpinDownError:
		m.updateStatus(func(s *StatusView) { s.SpinDown = "Spin down failed" })
	case trainer.EventControlPermissionLost:
		m.updateStatus(func(s *StatusView) { s.Engine.ControlGranted = false })
	case trainer.EventEngineStatus:
		if status, ok := e.Payload.(trainer.EngineStatus); ok {
			m.SetEngineStatus(status)
		}
	case trainer.EventWorkoutState:
		if state, ok := e.Payload.(workout.State); ok {
			m.updateStatus(func(s *StatusView) { s.Workout = state })
		}
	}
}

func mergeBikeData(metrics *Metrics, d gatt.IndoorBikeData) {
	if d.PowerWatts != nil {
		metrics.PowerWatts = d.PowerWatts
	}
	if d.CadenceRpm != nil {
		metrics.CadenceRpm = d.CadenceRpm
	}
	if d.SpeedKmh != nil {
		metrics.SpeedKmh = d.SpeedKmh
	}
	if d.DistanceMeters != nil {
		metrics.DistanceMeters = d.DistanceMeters
	}
}

func (m *Model) addDevice(d trainer.DiscoveredDevice, at time.Time) {
	if at.IsZero() {
		at = m.clock()
	}
	m.mu.Lock()
	m.devices[d.ID] = DeviceEntry{DiscoveredDevice: d, LastSeen: at}
	result := m.sortedDevicesLocked()
	m.mu.Unlock()

	m.devicesEvent.Notify(result)
}

// Prune drops devices that were not advertised within the stale timeout and
// returns how many were removed
func (m *Model) Prune() int {
	if m.staleAfter <= 0 {
		return 0
	}
	cutoff := m.clock().Add(-m.staleAfter)

	m.mu.Lock()
	removed := 0
	for id, d := range m.devices {
		if d.LastSeen.Before(cutoff) {
			delete(m.devices, id)
			removed++
		}
	}
	var result []DeviceEntry
	if removed > 0 {
		result = m.sortedDevicesLocked()
	}
	m.mu.Unlock()

	if removed > 0 {
		m.devicesEvent.Notify(result)
	}
	return removed
}

// Devices returns the discovered devices sorted by name, then ID
func (m *Model) Devices() []DeviceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedDevicesLocked()
}

// Device looks up a discovered device by ID
func (m *Model) Device(id string) (DeviceEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// Must be called with mu held
func (m *Model) sortedDevicesLocked() []DeviceEntry {
	result := make([]DeviceEntry, 0, len(m.devices))
	for _, d := range m.devices {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Model) setConnected(d trainer.ConnectedDevice) {
	m.mu.Lock()
	m.connected[d.Slot] = d
	result := m.connectedSnapshotLocked()
	m.mu.Unlock()

	m.connectedEvent.Notify(result)
}

func (m *Model) clearConnected(id string) {
	m.mu.Lock()
	changed := false
	for slot, d := range m.connected {
		if d.ID == id {
			delete(m.connected, slot)
			changed = true
			m.logger.Printf("Model: Cleared %s slot after disconnect of %s", slot, id)
		}
	}
	var result ConnectedBySlot
	if changed {
		result = m.connectedSnapshotLocked()
	}
	m.mu.Unlock()

	if changed {
		m.connectedEvent.Notify(result)
	}
}

// Connected returns the occupant of slot
func (m *Model) Connected(slot trainer.SlotKind) (trainer.ConnectedDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.connected[slot]
	return d, ok
}

// ConnectedDevices returns a copy of the slot occupants
func (m *Model) ConnectedDevices() ConnectedBySlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedSnapshotLocked()
}

// Must be called with mu held
func (m *Model) connectedSnapshotLocked() ConnectedBySlot {
	result := make(ConnectedBySlot, len(m.connected))
	for slot, d := range m.connected {
		result[slot] = d
	}
	return result
}

func (m *Model) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *Model) SetTargetPower(watts int16) {
	m.updateMetrics(func(metrics *Metrics) { metrics.TargetPowerWatts = watts })
}

func (m *Model) SetTargetCadence(rpm float64) {
	m.updateMetrics(func(metrics *Metrics) { metrics.TargetCadenceRpm = rpm })
}

func (m *Model) updateMetrics(fn func(*Metrics)) {
	m.mu.Lock()
	fn(&m.metrics)
	metrics := m.metrics
	m.mu.Unlock()

	m.metricsEvent.Notify(metrics)
}

func (m *Model) Status() StatusView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetEngineStatus replaces the engine part of the status panel
func (m *Model) SetEngineStatus(status trainer.EngineStatus) {
	m.updateStatus(func(s *StatusView) { s.Engine = status })
}

// SetSession replaces the session part of the status panel
func (m *Model) SetSession(status trainer.SessionStatus) {
	m.updateStatus(func(s *StatusView) { s.Session = status })
}

func (m *Model) updateStatus(fn func(*StatusView)) {
	m.mu.Lock()
	before := m.status
	fn(&m.status)
	status := m.status
	m.mu.Unlock()

	if status != before {
		m.statusEvent.Notify(status)
	}
}

// AppendLog stores a log line, keeping the most recent maxLogLines
func (m *Model) AppendLog(line string) {
	line = strings.TrimRight(line, "\n")

	m.logMu.Lock()
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	m.logMu.Unlock()

	m.logEvent.Notify(line)
}

// LogTail returns the last n log lines
func (m *Model) LogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(m.logLines) {
		n = len(m.logLines)
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}

// Write implements io.Writer so the model can sit behind a *log.Logger. Each
// line becomes one log entry.
func (m *Model) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		m.AppendLog(line)
	}
	return len(p), nil
}
