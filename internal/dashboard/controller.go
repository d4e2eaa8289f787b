package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/workout"
)

const (
	PowerStepWatts   = 10
	CadenceStepRpm   = 5.0
	defaultRefresh   = time.Second
	discoveryBacklog = 16

	defaultTargetPowerWatts = 100
	defaultTargetCadenceRpm = 90.0
)

// Engine is the part of the trainer engine the dashboard drives
type Engine interface {
	Status() trainer.EngineStatus
	Mode() trainer.Mode
	ListenDiscovery(ch chan<- trainer.DiscoveredDevice) func()
	StartScan(filter gatt.DeviceType) error
	StopScan() error
	Connect(ctx context.Context, id string) (trainer.ConnectedDevice, error)
	Disconnect(id string) error
	SetTargetPower(ctx context.Context, watts int) (int16, error)
	SetTargetCadence(ctx context.Context, rpm float64) (float64, error)
	RequestSpinDown(ctx context.Context) (uint16, error)
	StartTrainer(ctx context.Context) error
	StartSession() (trainer.SessionData, error)
	StopSession(action gatt.StopAction) (trainer.SessionData, error)
	ExportSessionFile() (string, error)
	StartSimulation() error
	StopSimulation(action gatt.StopAction) error
}

var _ Engine = (*trainer.Engine)(nil)

// ControllerConfig holds the command timeouts and the refresh period
type ControllerConfig struct {
	ControlTimeout time.Duration
	ConnectTimeout time.Duration

	// Refresh is how often the engine status is polled and stale devices pruned
	Refresh time.Duration

	// Workouts enables the workout keys when set
	Workouts WorkoutRunner
}

// WorkoutRunner is the part of the workout runner the dashboard drives
type WorkoutRunner interface {
	Load(w workout.Workout) error
	Start() error
	Pause() error
	State() workout.State
}

var _ WorkoutRunner = (*workout.Runner)(nil)

func (c *ControllerConfig) defaults() {
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.Refresh <= 0 {
		c.Refresh = defaultRefresh
	}
}

// Controller turns key presses into engine commands and keeps the model in
// step with their results
type Controller struct {
	model  *Model
	engine Engine
	prefs  *Preferences
	cfg    ControllerConfig
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller and starts its auto-connect and refresh
// loops. Call Shutdown to stop them.
func NewController(model *Model, engine Engine, prefs *Preferences, logger *log.Logger, cfg ControllerConfig) *Controller {
	if model == nil {
		panic("Controller: model cannot be nil")
	}
	if engine == nil {
		panic("Controller: engine cannot be nil")
	}
	if prefs == nil {
		panic("Controller: preferences cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		model:  model,
		engine: engine,
		prefs:  prefs,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	model.SetEngineStatus(engine.Status())

	discovered := make(chan trainer.DiscoveredDevice, discoveryBacklog)
	unregister := engine.ListenDiscovery(discovered)
	go_func_utils.SafeGoWG(logger, &c.wg, func() {
		defer unregister()
		c.listenToAutoConnect(discovered)
	})
	go_func_utils.SafeGoWG(logger, &c.wg, c.refreshLoop)

	return c
}

func (c *Controller) listenToAutoConnect(discovered <-chan trainer.DiscoveredDevice) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case d, ok := <-discovered:
			if !ok {
				return
			}
			c.autoConnect(d)
		}
	}
}

// autoConnect connects d when it is the remembered device of an empty slot
func (c *Controller) autoConnect(d trainer.DiscoveredDevice) {
	for _, slot := range []trainer.SlotKind{trainer.SlotHeartRate, trainer.SlotTrainer} {
		if c.prefs.Preferred(slot) != d.ID {
			continue
		}
		if _, occupied := c.model.Connected(slot); occupied {
			continue
		}
		c.logger.Printf("Auto-connecting %s (%s) from preferences", d.ID, slot)
		c.ConnectDevice(d.ID)
		return
	}
}

func (c *Controller) refreshLoop() {
	ticker := time.NewTicker(c.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// Refresh polls the engine status and prunes stale devices
func (c *Controller) Refresh() {
	c.model.SetEngineStatus(c.engine.Status())
	if n := c.model.Prune(); n > 0 {
		c.logger.Printf("Removed %d stale devices", n)
	}
}

// --- Device commands ---

// ToggleScan starts a scan for every supported device type, or stops the
// running one
func (c *Controller) ToggleScan() {
	var err error
	if c.engine.Status().Scanning {
		err = c.engine.StopScan()
	} else {
		err = c.engine.StartScan(gatt.DeviceTypeGeneric)
	}
	if err != nil {
		c.logger.Printf("Scan toggle failed: %v", err)
	}
	c.model.SetEngineStatus(c.engine.Status())
}

// ConnectDevice connects id and remembers it for its slot
func (c *Controller) ConnectDevice(id string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	device, err := c.engine.Connect(ctx, id)
	if err != nil {
		c.logger.Printf("Connection to %s failed: %v", id, err)
		return
	}
	c.model.setConnected(device)
	c.prefs.SetPreferred(device.Slot, device.ID)
	c.model.SetEngineStatus(c.engine.Status())
}

// DisconnectDevice disconnects id if it occupies a slot. The slot's
// preference is forgotten so the device is not reconnected on the next scan.
func (c *Controller) DisconnectDevice(id string) {
	for slot, d := range c.model.ConnectedDevices() {
		if d.ID != id {
			continue
		}
		if err := c.engine.Disconnect(id); err != nil {
			c.logger.Printf("Disconnect of %s failed: %v", id, err)
			return
		}
		c.model.clearConnected(id)
		c.prefs.Forget(slot)
		return
	}
	c.logger.Printf("Device %s is not connected", id)
}

// --- Trainer commands ---

// AdjustTargetPower moves the target power by delta watts
func (c *Controller) AdjustTargetPower(delta int) {
	target := int(c.model.Metrics().TargetPowerWatts) + delta

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ControlTimeout)
	defer cancel()
	watts, err := c.engine.SetTargetPower(ctx, target)
	if err != nil {
		c.logger.Printf("Failed to set power: %v", err)
		return
	}
	c.model.SetTargetPower(watts)
	c.logger.Printf("Target power: %d W", watts)
}

// AdjustTargetCadence moves the target cadence by delta rpm
func (c *Controller) AdjustTargetCadence(delta float64) {
	target := c.model.Metrics().TargetCadenceRpm + delta

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ControlTimeout)
	defer cancel()
	rpm, err := c.engine.SetTargetCadence(ctx, target)
	if err != nil {
		c.logger.Printf("Failed to set cadence: %v", err)
		return
	}
	c.model.SetTargetCadence(rpm)
	c.logger.Printf("Target cadence: %.1f rpm", rpm)
}

func (c *Controller) StartTrainer() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ControlTimeout)
	defer cancel()
	if err := c.engine.StartTrainer(ctx); err != nil {
		c.logger.Printf("Failed to start trainer: %v", err)
	}
}

func (c *Controller) RequestSpinDown() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ControlTimeout)
	defer cancel()
	speed, err := c.engine.RequestSpinDown(ctx)
	if err != nil {
		c.logger.Printf("Spin down refused: %v", err)
		return
	}
	c.logger.Printf("Spin down: reach %.2f km/h", float64(speed)/100)
}

// --- Session commands ---

// ToggleSession starts or resumes the session, or pauses a running one
func (c *Controller) ToggleSession() {
	var (
		data trainer.SessionData
		err  error
	)
	if c.model.Status().Session == trainer.SessionStarted {
		data, err = c.engine.StopSession(gatt.StopActionPause)
	} else {
		data, err = c.engine.StartSession()
	}
	if err != nil {
		c.logger.Printf("Session toggle failed: %v", err)
		return
	}
	c.model.SetSession(data.Status)
}

// StopSession ends the session
func (c *Controller) StopSession() {
	data, err := c.engine.StopSession(gatt.StopActionStop)
	if err != nil {
		c.logger.Printf("Session stop failed: %v", err)
		return
	}
	c.model.SetSession(data.Status)
	c.logger.Printf("Session %s stopped, %.0f m", data.ID, data.DistanceMeters)
}

func (c *Controller) ExportSession() {
	path, err := c.engine.ExportSessionFile()
	if err != nil {
		c.logger.Printf("Export failed: %v", err)
		return
	}
	c.logger.Printf("Session exported to %s", path)
}

// ToggleSimulation runs or pauses the simulator tick loop
func (c *Controller) ToggleSimulation() {
	if c.engine.Mode() != trainer.ModeSimulation {
		c.logger.Printf("Simulation is only available in simulation mode")
		return
	}
	var err error
	if c.engine.Status().Simulation == trainer.SimulationStarted {
		err = c.engine.StopSimulation(gatt.StopActionPause)
	} else {
		err = c.engine.StartSimulation()
	}
	if err != nil {
		c.logger.Printf("Simulation toggle failed: %v", err)
	}
}

// NextWorkout loads the library workout after the current one
func (c *Controller) NextWorkout() {
	if c.cfg.Workouts == nil {
		c.logger.Printf("Workouts are not available")
		return
	}
	library := workout.Library()
	next := 0
	current := c.cfg.Workouts.State().Name
	for i, w := range library {
		if w.Name == current {
			next = (i + 1) % len(library)
			break
		}
	}
	if err := c.cfg.Workouts.Load(library[next]); err != nil {
		c.logger.Printf("Failed to load workout: %v", err)
	}
}

// ToggleWorkout starts, pauses or resumes the loaded workout
func (c *Controller) ToggleWorkout() {
	if c.cfg.Workouts == nil {
		c.logger.Printf("Workouts are not available")
		return
	}
	var err error
	if c.cfg.Workouts.State().Status == workout.StatusRunning {
		err = c.cfg.Workouts.Pause()
	} else {
		err = c.cfg.Workouts.Start()
	}
	if err != nil {
		c.logger.Printf("Workout toggle failed: %v", err)
	}
}

// Quit asks the dashboard to exit
func (c *Controller) Quit() {
	c.model.RequestClose()
}

// Shutdown stops the background loops
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
}
