package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

// Mode selects where session and target commands go
type Mode string

const (
	ModeHardware   Mode = "hardware"
	ModeSimulation Mode = "simulation"
)

// ParseMode accepts "hardware" or "simulation"
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeHardware, ModeSimulation:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// EngineState is the global status of the engine
type EngineState string

const (
	EngineUninitialized EngineState = "uninitialized"
	EngineReady         EngineState = "ready"
	EngineError         EngineState = "error"
)

// SpinDownPhase tracks a spin down calibration on the connected trainer
type SpinDownPhase string

const (
	SpinDownIdle         SpinDownPhase = "idle"
	SpinDownRequested    SpinDownPhase = "requested"
	SpinDownInProgress   SpinDownPhase = "in-progress"
	SpinDownStopPedaling SpinDownPhase = "stop-pedaling"
	SpinDownSucceeded    SpinDownPhase = "success"
	SpinDownFailed       SpinDownPhase = "error"
)

// EngineStatus is the answer to a status query and the payload of engine-status
type EngineStatus struct {
	State          EngineState      `json:"state"`
	Error          string           `json:"error,omitempty"`
	Mode           Mode             `json:"mode"`
	Scanning       bool             `json:"scanning"`
	ControlGranted bool             `json:"control_granted"`
	SpinDown       SpinDownPhase    `json:"spin_down"`
	Simulation     SimulationStatus `json:"simulation,omitempty"`
}

// EngineConfig holds the engine settings
type EngineConfig struct {
	Mode Mode

	// ExportDir receives a FIT file for every session stopped with "stop";
	// empty disables automatic export
	ExportDir string

	SimulationTick time.Duration

	// Clock and Rand default to time.Now and a time-seeded source
	Clock func() time.Time
	Rand  *rand.Rand
}

// Engine is the process-wide trainer engine: discovery, the two connection
// slots, the active session and, in simulation mode, the simulator. It
// publishes everything it observes to a Sink.
type Engine struct {
	host   bt.Host
	logger *log.Logger
	pub    publisher
	cfg    EngineConfig

	discovery   *DiscoveryFeed
	connections *ConnectionManager
	simulator   *Simulator
	sessions    sessionHolder

	mu       sync.RWMutex
	state    EngineState
	lastErr  error
	spinDown SpinDownPhase

	shutdownOnce sync.Once
}

var _ telemetryHandler = (*Engine)(nil)

// NewEngine creates an uninitialized engine. Call Init before issuing
// hardware commands.
func NewEngine(host bt.Host, sink Sink, logger *log.Logger, cfg EngineConfig) *Engine {
	if host == nil {
		panic("Engine: host cannot be nil")
	}
	if sink == nil {
		panic("Engine: sink cannot be nil")
	}
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHardware
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	pub := publisher{sink: sink, clock: cfg.Clock}
	e := &Engine{
		host:     host,
		logger:   logger,
		pub:      pub,
		cfg:      cfg,
		sessions: sessionHolder{clock: cfg.Clock},
		state:    EngineUninitialized,
		spinDown: SpinDownIdle,
	}
	e.discovery = NewDiscoveryFeed(host, pub, logger)
	e.discovery.ListenScanEnded(func(err error) {
		_ = e.checkAdapter(err)
	})
	e.connections = NewConnectionManager(host, e, pub, logger)
	if cfg.Mode == ModeSimulation {
		e.simulator = NewSimulator(sink, logger, SimulatorConfig{
			Tick:  cfg.SimulationTick,
			Clock: cfg.Clock,
			Rand:  cfg.Rand,
		})
	}
	return e
}

// Init enables the Bluetooth adapter. It also recovers an engine in the
// Error state.
func (e *Engine) Init() error {
	e.logger.Printf("Engine: Initializing in %s mode", e.cfg.Mode)

	if err := e.host.Enable(); err != nil {
		if !errors.Is(err, ErrAdapterUnavailable) {
			err = fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
		}
		e.setState(EngineError, err)
		return err
	}
	e.setState(EngineReady, nil)
	return nil
}

func (e *Engine) setState(state EngineState, err error) {
	e.mu.Lock()
	e.state = state
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		e.logger.Printf("Engine: Status %s: %v", state, err)
	} else {
		e.logger.Printf("Engine: Status %s", state)
	}
	e.pub.emit(EventEngineStatus, e.Status())
}

// Status reports the engine state
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	status := EngineStatus{
		State:    e.state,
		Mode:     e.cfg.Mode,
		SpinDown: e.spinDown,
	}
	if e.lastErr != nil {
		status.Error = e.lastErr.Error()
	}
	e.mu.RUnlock()

	status.Scanning = e.discovery.IsScanning()
	status.ControlGranted = e.connections.ControlGranted()
	if e.simulator != nil {
		status.Simulation = e.simulator.Status()
	}
	return status
}

func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

func (e *Engine) requireReady() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != EngineReady {
		return fmt.Errorf("%w: engine is %s", ErrAdapterUnavailable, e.state)
	}
	return nil
}

// checkAdapter moves the engine to Error when err reports the adapter gone.
// Every connection is presumed lost.
func (e *Engine) checkAdapter(err error) error {
	if err == nil || !errors.Is(err, ErrAdapterUnavailable) {
		return err
	}
	e.logger.Printf("Engine: Adapter lost: %v", err)
	_ = e.discovery.Stop()
	e.connections.DisconnectAll()
	e.setState(EngineError, err)
	return err
}

// ListenDiscovery registers ch for discovered devices and returns its
// deregistration function
func (e *Engine) ListenDiscovery(ch chan<- DiscoveredDevice) func() {
	return e.discovery.Listen(ch)
}

func (e *Engine) StartScan(filter gatt.DeviceType) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	return e.checkAdapter(e.discovery.Start(filter))
}

func (e *Engine) StopScan() error {
	return e.discovery.Stop()
}

func (e *Engine) Connect(ctx context.Context, id string) (ConnectedDevice, error) {
	if err := e.requireReady(); err != nil {
		return ConnectedDevice{}, err
	}
	device, err := e.connections.Connect(ctx, id)
	return device, e.checkAdapter(err)
}

func (e *Engine) Disconnect(id string) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	return e.connections.Disconnect(id)
}

func (e *Engine) ConnectedDevices() []ConnectedDevice {
	return e.connections.ConnectedDevices()
}

// SetTargetPower clamps watts and sends it to the trainer, or to the
// simulator in simulation mode. It returns the clamped value.
func (e *Engine) SetTargetPower(ctx context.Context, watts int) (int16, error) {
	if e.simulator != nil {
		return e.simulator.SetTargetPower(watts), nil
	}
	clamped := int16(clampInt(watts, MinTargetPowerWatts, MaxTargetPowerWatts))
	return clamped, e.control(ctx, gatt.SetTargetPower(clamped))
}

// SetTargetCadence clamps rpm and sends it to the trainer, or to the
// simulator in simulation mode. It returns the clamped value.
func (e *Engine) SetTargetCadence(ctx context.Context, rpm float64) (float64, error) {
	if e.simulator != nil {
		return e.simulator.SetTargetCadence(rpm), nil
	}
	clamped := clampFloat(rpm, MinTargetCadenceRpm, MaxTargetCadenceRpm)
	return clamped, e.control(ctx, gatt.SetTargetCadence(clamped))
}

// StartTrainer sends Start or Resume to the trainer
func (e *Engine) StartTrainer(ctx context.Context) error {
	return e.control(ctx, gatt.StartOrResume())
}

// StopTrainer sends Stop or Pause to the trainer
func (e *Engine) StopTrainer(ctx context.Context, action gatt.StopAction) error {
	if action == gatt.StopActionUnknown {
		return fmt.Errorf("%w: unknown stop action", ErrProtocol)
	}
	return e.control(ctx, gatt.StopOrPause(action))
}

func (e *Engine) control(ctx context.Context, req gatt.ControlRequest) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	_, err := e.connections.SendControl(ctx, req)
	return err
}

// RequestSpinDown starts a spin down calibration and returns the target
// speed the trainer asks for, in 0.01 km/h. Progress arrives as
// spin-down-* events.
func (e *Engine) RequestSpinDown(ctx context.Context) (uint16, error) {
	if err := e.requireReady(); err != nil {
		return 0, err
	}

	e.setSpinDown(SpinDownRequested)
	resp, err := e.connections.SendControl(ctx, gatt.SpinDown(gatt.SpinDownStart))
	if err != nil {
		e.moveSpinDown(SpinDownRequested, SpinDownIdle)
		return 0, err
	}

	speed, ok := resp.SpinDownTargetSpeed()
	if !ok {
		e.setSpinDown(SpinDownFailed)
		return 0, fmt.Errorf("%w: spin down response carries no target speed", ErrProtocol)
	}

	// a status notification may already have moved past in-progress
	e.moveSpinDown(SpinDownRequested, SpinDownInProgress)
	e.logger.Printf("Engine: Spin down started, target speed %d", speed)
	e.pub.emit(EventSpinDownStart, speed)
	return speed, nil
}

func (e *Engine) setSpinDown(phase SpinDownPhase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spinDown = phase
}

// moveSpinDown sets the phase to to only while it is from
func (e *Engine) moveSpinDown(from, to SpinDownPhase) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.spinDown != from {
		return false
	}
	e.spinDown = to
	return true
}

// StartSession resumes a paused session or starts a new one and publishes
// session-started, in both modes
func (e *Engine) StartSession() (SessionData, error) {
	if e.simulator != nil {
		s, err := e.simulator.StartSession()
		if err != nil {
			return SessionData{}, err
		}
		return s.Snapshot(), nil
	}

	s, err := e.sessions.start()
	if err != nil {
		return SessionData{}, err
	}
	e.logger.Printf("Engine: Session %s started", s.ID())
	e.pub.emit(EventSessionStarted, nil)
	return s.Snapshot(), nil
}

// StopSession pauses or stops the active session and publishes
// session-stopped. A stopped session is exported when an export directory is
// configured.
func (e *Engine) StopSession(action gatt.StopAction) (SessionData, error) {
	var (
		s   *Session
		err error
	)
	if e.simulator != nil {
		s, err = e.simulator.StopSession(action)
	} else {
		s, err = e.sessions.stop(action)
		if err == nil {
			e.pub.emit(EventSessionStopped, action.String())
		}
	}
	if err != nil {
		return SessionData{}, err
	}

	data := s.Snapshot()
	e.logger.Printf("Engine: Session %s %s", data.ID, data.Status)

	if action == gatt.StopActionStop && e.cfg.ExportDir != "" {
		path, err := ExportFIT(e.cfg.ExportDir, data)
		if err != nil {
			e.logger.Printf("Engine: Export of session %s failed: %v", data.ID, err)
		} else {
			e.logger.Printf("Engine: Session %s exported to %s", data.ID, path)
		}
	}
	return data, nil
}

// SessionData returns a snapshot of the active session
func (e *Engine) SessionData() SessionData {
	if e.simulator != nil {
		return e.simulator.SessionData()
	}
	return e.sessions.snapshot()
}

// ExportSession writes the active session as FIT to w
func (e *Engine) ExportSession(w io.Writer) error {
	return WriteFIT(w, e.SessionData())
}

// ExportSessionFile writes the active session into the export directory
func (e *Engine) ExportSessionFile() (string, error) {
	if e.cfg.ExportDir == "" {
		return "", errors.New("no session export directory configured")
	}
	return ExportFIT(e.cfg.ExportDir, e.SessionData())
}

func (e *Engine) StartSimulation() error {
	if e.simulator == nil {
		return fmt.Errorf("%w: start simulation in %s mode", ErrWrongMode, e.cfg.Mode)
	}
	e.simulator.Start()
	return nil
}

func (e *Engine) StopSimulation(action gatt.StopAction) error {
	if e.simulator == nil {
		return fmt.Errorf("%w: stop simulation in %s mode", ErrWrongMode, e.cfg.Mode)
	}
	if action == gatt.StopActionUnknown {
		return fmt.Errorf("%w: unknown stop action", ErrProtocol)
	}
	e.simulator.Stop(action)
	return nil
}

// Telemetry from connected devices

func (e *Engine) handleHeartRate(_ string, m gatt.HeartRateMeasurement) {
	if s := e.sessions.current(); s != nil {
		s.AddHeartRate(m)
	}
	e.pub.emit(EventHeartRateSample, m)
}

func (e *Engine) handleBikeData(_ string, d gatt.IndoorBikeData) {
	if s := e.sessions.current(); s != nil {
		if stored, ok := s.AddBikeData(d); ok {
			d = stored
		}
	}
	e.pub.emit(EventIndoorBikeSample, d)
}

func (e *Engine) handleStatus(deviceID string, s gatt.Status) {
	switch s.Code {
	case gatt.StatusStartedOrResumed:
		e.pub.emit(EventSessionStarted, nil)

	case gatt.StatusStoppedOrPaused:
		e.pub.emit(EventSessionStopped, s.StopAction.String())

	case gatt.StatusStoppedBySafetyKey:
		e.pub.emit(EventSessionStopped, gatt.StopActionStop.String())

	case gatt.StatusSpinDown:
		e.handleSpinDownStatus(s)

	case gatt.StatusTargetPowerChanged:
		e.pub.emit(EventTargetPowerChanged, s.TargetPowerWatts)

	case gatt.StatusTargetCadenceChanged:
		e.pub.emit(EventTargetCadenceChanged, s.TargetCadenceRpm)

	case gatt.StatusControlPermissionLost:
		e.logger.Printf("Engine: Trainer %s revoked control", deviceID)
		e.pub.emit(EventControlPermissionLost, nil)

	default:
		e.logger.Printf("Engine: Trainer %s status %s (0x%02X)", deviceID, s.Code, s.RawCode)
	}
}

func (e *Engine) handleSpinDownStatus(s gatt.Status) {
	switch s.SpinDown {
	case gatt.SpinDownStatusStopPedaling:
		e.setSpinDown(SpinDownStopPedaling)
		e.pub.emit(EventSpinDownStopPedaling, nil)
	case gatt.SpinDownStatusSuccess:
		e.setSpinDown(SpinDownSucceeded)
		e.logger.Printf("Engine: Spin down succeeded after %d", s.SpinDownTime)
		e.pub.emit(EventSpinDownSuccess, s.SpinDownTime)
	case gatt.SpinDownStatusError:
		e.setSpinDown(SpinDownFailed)
		e.pub.emit(EventSpinDownError, nil)
	default:
		e.logger.Printf("Engine: Spin down status %s", s.SpinDown)
	}
}

// Shutdown stops scanning, disconnects every device and stops the
// simulator. The host itself is left to its owner. Safe to call multiple times.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.logger.Printf("Engine: Shutting down")
		_ = e.discovery.Stop()
		e.discovery.Wait()
		e.connections.Shutdown()
		if e.simulator != nil {
			e.simulator.Shutdown()
		}
		e.logger.Printf("Engine: Shutdown complete")
	})
}
