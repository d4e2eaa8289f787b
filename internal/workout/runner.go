package workout

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

// Status is the runner lifecycle
type Status string

const (
	StatusIdle    Status = "idle"
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

var (
	ErrNoWorkout      = errors.New("no workout loaded")
	ErrWorkoutActive  = errors.New("workout is running or paused")
	ErrAlreadyRunning = errors.New("workout already running")
	ErrNotRunning     = errors.New("workout not running")
)

// State is the payload of workout-state
type State struct {
	Status Status `json:"status"`
	Name   string `json:"name,omitempty"`

	BlockIndex int        `json:"block_index"`
	BlockCount int        `json:"block_count"`
	BlockMode  TargetMode `json:"block_mode,omitempty"`

	ElapsedSeconds        int `json:"elapsed_s"`
	RemainingSeconds      int `json:"remaining_s"`
	BlockElapsedSeconds   int `json:"block_elapsed_s"`
	BlockRemainingSeconds int `json:"block_remaining_s"`

	// TargetFTPMult is interpolated along ramps; zero in heart rate blocks
	TargetFTPMult    float64 `json:"target_ftp_mult,omitempty"`
	TargetPowerWatts int16   `json:"target_power_watts,omitempty"`
	TargetHeartRate  int16   `json:"target_heart_rate,omitempty"`

	// Completed is set on the state published when the last block ends
	Completed bool `json:"completed,omitempty"`
}

// Engine is what the runner drives
type Engine interface {
	SetTargetPower(ctx context.Context, watts int) (int16, error)
	SetTargetCadence(ctx context.Context, rpm float64) (float64, error)
}

var _ Engine = (*trainer.Engine)(nil)

const (
	DefaultFTP   = 220
	DefaultMaxHR = 185
)

type RunnerConfig struct {
	// FTP in watts scales power blocks; MaxHR in bpm scales heart rate blocks
	FTP   int
	MaxHR int

	// Tick is the wall time of one workout second, 1 s when zero
	Tick time.Duration

	// ControlTimeout bounds every set-point command
	ControlTimeout time.Duration
}

func (c *RunnerConfig) defaults() {
	if c.FTP <= 0 {
		c.FTP = DefaultFTP
	}
	if c.MaxHR <= 0 {
		c.MaxHR = DefaultMaxHR
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 5 * time.Second
	}
}

// Runner executes a workout against the engine: it walks the blocks one
// second at a time and pushes the power and cadence set-points each block
// asks for. Heart rate blocks close the loop on the latest heart-rate-sample.
type Runner struct {
	engine Engine
	sink   trainer.Sink
	logger *log.Logger
	cfg    RunnerConfig

	heartRate atomic.Uint32

	mu           sync.Mutex
	workout      *Workout
	status       Status
	elapsed      int
	pid          hrPID
	lastBlockIdx int
	lastPower    int16

	wake         chan struct{}
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewRunner(engine Engine, sink trainer.Sink, logger *log.Logger, cfg RunnerConfig) *Runner {
	if engine == nil {
		panic("WorkoutRunner: engine cannot be nil")
	}
	if sink == nil {
		panic("WorkoutRunner: sink cannot be nil")
	}
	if logger == nil {
		panic("WorkoutRunner: logger cannot be nil")
	}
	cfg.defaults()

	r := &Runner{
		engine:       engine,
		sink:         sink,
		logger:       logger,
		cfg:          cfg,
		status:       StatusIdle,
		lastBlockIdx: -1,
		lastPower:    -1,
		wake:         make(chan struct{}, 1),
		doneChan:     make(chan struct{}),
	}
	go_func_utils.SafeGoWG(logger, &r.wg, r.run)
	return r
}

// Apply feeds engine events to the runner. Only heart rate samples and the
// heart rate strap disconnecting matter.
func (r *Runner) Apply(e trainer.Event) {
	switch e.Name {
	case trainer.EventHeartRateSample:
		if m, ok := e.Payload.(gatt.HeartRateMeasurement); ok {
			r.heartRate.Store(uint32(m.BPM))
		}
	case trainer.EventDeviceDisconnected:
		if d, ok := e.Payload.(trainer.ConnectedDevice); ok && d.Slot == trainer.SlotHeartRate {
			r.heartRate.Store(0)
		}
	}
}

// Load makes w the current workout
func (r *Runner) Load(w Workout) error {
	if err := w.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.status == StatusRunning || r.status == StatusPaused {
		r.mu.Unlock()
		return ErrWorkoutActive
	}
	r.workout = &w
	r.status = StatusReady
	r.resetProgress()
	state := r.buildState()
	r.mu.Unlock()

	r.logger.Printf("WorkoutRunner: Workout '%s' loaded (duration: %v)", w.Name, w.TotalDuration())
	r.publish(state)
	return nil
}

// Start begins a loaded workout or resumes a paused one
func (r *Runner) Start() error {
	r.mu.Lock()
	switch {
	case r.workout == nil:
		r.mu.Unlock()
		return ErrNoWorkout
	case r.status == StatusRunning:
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if r.status == StatusPaused {
		r.logger.Printf("WorkoutRunner: Resuming at %ds", r.elapsed)
	} else {
		r.resetProgress()
		r.logger.Printf("WorkoutRunner: Starting '%s'", r.workout.Name)
	}
	r.status = StatusRunning
	state := r.buildState()
	r.mu.Unlock()

	r.publish(state)
	r.poke()
	return nil
}

func (r *Runner) Pause() error {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.status = StatusPaused
	state := r.buildState()
	r.mu.Unlock()

	r.logger.Printf("WorkoutRunner: Paused at %ds", state.ElapsedSeconds)
	r.publish(state)
	r.poke()
	return nil
}

// Stop ends the workout and rewinds it; the workout stays loaded
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.workout == nil {
		r.mu.Unlock()
		return ErrNoWorkout
	}
	r.status = StatusReady
	r.resetProgress()
	state := r.buildState()
	r.mu.Unlock()

	r.logger.Printf("WorkoutRunner: Stopped and rewound")
	r.publish(state)
	r.poke()
	return nil
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildState()
}

// Shutdown stops the tick loop. Safe to call more than once.
func (r *Runner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Printf("WorkoutRunner: Shutting down")
		close(r.doneChan)
		r.wg.Wait()
	})
}

// resetProgress must be called with mu held
func (r *Runner) resetProgress() {
	r.elapsed = 0
	r.pid.reset()
	r.lastBlockIdx = -1
	r.lastPower = -1
}

func (r *Runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) publish(state State) {
	r.sink.Publish(trainer.Event{Name: trainer.EventWorkoutState, Payload: state})
}

func (r *Runner) run() {
	ticker := time.NewTicker(r.cfg.Tick)
	ticker.Stop()
	defer ticker.Stop()

	for {
		select {
		case <-r.doneChan:
			return
		case <-r.wake:
			if r.State().Status == StatusRunning {
				ticker.Reset(r.cfg.Tick)
			} else {
				ticker.Stop()
			}
		case <-ticker.C:
			if !r.step() {
				ticker.Stop()
			}
		}
	}
}

// currentBlock returns the index of the block covering the elapsed time,
// or -1 past the end. Must be called with mu held.
func (r *Runner) currentBlock() (idx int, blockStart int) {
	for i, block := range r.workout.Blocks {
		if r.elapsed < blockStart+block.Seconds {
			return i, blockStart
		}
		blockStart += block.Seconds
	}
	return -1, blockStart
}

// buildState must be called with mu held
func (r *Runner) buildState() State {
	state := State{Status: r.status}
	if r.workout == nil {
		return state
	}
	total := int(r.workout.TotalDuration() / time.Second)
	state.Name = r.workout.Name
	state.BlockCount = len(r.workout.Blocks)
	state.ElapsedSeconds = r.elapsed
	state.RemainingSeconds = total - r.elapsed

	idx, blockStart := r.currentBlock()
	if idx < 0 {
		state.BlockIndex = len(r.workout.Blocks) - 1
		return state
	}
	block := r.workout.Blocks[idx]
	state.BlockIndex = idx
	state.BlockMode = block.Mode
	state.BlockElapsedSeconds = r.elapsed - blockStart
	state.BlockRemainingSeconds = blockStart + block.Seconds - r.elapsed

	if block.Mode == TargetModeHeartRate {
		state.TargetHeartRate = int16(block.TargetMaxHRMult * float64(r.cfg.MaxHR))
		state.TargetPowerWatts = int16(r.pid.output)
		return state
	}
	if state.BlockMode == "" {
		state.BlockMode = TargetModePower
	}
	progress := float64(state.BlockElapsedSeconds) / float64(block.Seconds)
	state.TargetFTPMult = block.StartFTPMult + (block.EndFTPMult-block.StartFTPMult)*progress
	state.TargetPowerWatts = int16(state.TargetFTPMult * float64(r.cfg.FTP))
	return state
}

// tickResult is what one workout second asks of the engine
type tickResult struct {
	state     State
	skip      bool
	completed bool
	power     int16
	sendPower bool
	cadence   int
}

// advance moves the workout one second forward. currentHR is 0 when no
// heart rate is known, in which case a heart rate block holds its power.
func (r *Runner) advance(currentHR float64) tickResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return tickResult{skip: true}
	}

	total := int(r.workout.TotalDuration() / time.Second)
	r.elapsed++
	if r.elapsed >= total {
		r.elapsed = total
		r.status = StatusIdle
		state := r.buildState()
		state.Completed = true
		return tickResult{state: state, completed: true}
	}

	idx, _ := r.currentBlock()
	block := r.workout.Blocks[idx]
	result := tickResult{}

	if idx != r.lastBlockIdx {
		r.logger.Printf("WorkoutRunner: Moved to block %d/%d", idx+1, len(r.workout.Blocks))
		r.pid.reset()
		r.lastBlockIdx = idx
		result.cadence = block.TargetCadence
	}

	if block.Mode == TargetModeHeartRate {
		targetHR := block.TargetMaxHRMult * float64(r.cfg.MaxHR)
		maxPower := hrPidMaxFTPMult * float64(r.cfg.FTP)
		switch {
		case currentHR > 0:
			r.pid.update(targetHR, currentHR, maxPower)
		case !r.pid.initialized:
			r.pid.output = hrPidStartOutput
			r.pid.initialized = true
		}
	}

	result.state = r.buildState()
	result.power = result.state.TargetPowerWatts
	if result.power != r.lastPower {
		result.sendPower = true
		r.lastPower = result.power
	}
	return result
}

// step runs one workout second and reports whether the workout is still
// running
func (r *Runner) step() bool {
	result := r.advance(float64(r.heartRate.Load()))
	if result.skip {
		return false
	}
	if result.completed {
		r.logger.Printf("WorkoutRunner: Workout complete")
		r.publish(result.state)
		return false
	}

	if result.cadence > 0 {
		r.sendTargetCadence(result.cadence)
	}
	if result.sendPower {
		r.sendTargetPower(result.power)
	}
	r.publish(result.state)
	return true
}

func (r *Runner) sendTargetPower(watts int16) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ControlTimeout)
	defer cancel()
	applied, err := r.engine.SetTargetPower(ctx, int(watts))
	if err != nil {
		r.logger.Printf("WorkoutRunner: Failed to set target power: %v", err)
		return
	}
	r.logger.Printf("WorkoutRunner: Set target power to %d W", applied)
}

func (r *Runner) sendTargetCadence(rpm int) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ControlTimeout)
	defer cancel()
	if _, err := r.engine.SetTargetCadence(ctx, float64(rpm)); err != nil {
		r.logger.Printf("WorkoutRunner: Failed to set target cadence: %v", err)
	}
}
