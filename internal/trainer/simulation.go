package trainer

import (
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
)

// SimulationStatus is the state of the simulator tick loop
type SimulationStatus string

const (
	SimulationStarted SimulationStatus = "started"
	SimulationPaused  SimulationStatus = "paused"
	SimulationStopped SimulationStatus = "stopped"
)

type simulationCommand int

const (
	simStart simulationCommand = iota
	simPause
	simStop
)

// heartRateBand is one row of the simulated heart rate table. Rows are
// checked in order and the first match wins.
type heartRateBand struct {
	match func(power, cadence int) bool
	bpm   int
}

var heartRateBands = []heartRateBand{
	{func(p, c int) bool { return p < 100 && c < 100 }, 80},
	{func(p, c int) bool { return p < 110 && c > 80 && c < 100 }, 100},
	{func(p, c int) bool { return p > 100 && p < 150 && c > 80 && c < 100 }, 120},
	{func(p, c int) bool { return p > 100 && p < 110 && c > 90 && c < 100 }, 150},
	{func(p, _ int) bool { return p > 120 }, 160},
}

const defaultSimulatedHeartRate = 70

// simulatedHeartRate derives the heart rate band for a set of targets
func simulatedHeartRate(power, cadence int) int {
	for _, band := range heartRateBands {
		if band.match(power, cadence) {
			return band.bpm
		}
	}
	return defaultSimulatedHeartRate
}

// SimulatorConfig holds the optional knobs of a Simulator
type SimulatorConfig struct {
	Tick  time.Duration
	Clock func() time.Time
	Rand  *rand.Rand
}

// Simulator produces synthetic heart rate and indoor bike samples around
// its target set-points, feeding its own session and the same events the
// hardware path publishes
type Simulator struct {
	logger *log.Logger
	pub    publisher
	tick   time.Duration

	sessions sessionHolder

	randMu sync.Mutex
	rand   *rand.Rand

	mu            sync.RWMutex
	status        SimulationStatus
	targetPower   int16
	targetCadence float64

	cmdChan      chan simulationCommand
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewSimulator creates a paused Simulator and starts its loop goroutine
func NewSimulator(sink Sink, logger *log.Logger, cfg SimulatorConfig) *Simulator {
	if sink == nil {
		panic("Simulator: sink cannot be nil")
	}
	if logger == nil {
		panic("Simulator: logger cannot be nil")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultSimulationTick
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(cfg.Clock().UnixNano()), 0x5eed))
	}

	s := &Simulator{
		logger:   logger,
		pub:      publisher{sink: sink, clock: cfg.Clock},
		tick:     cfg.Tick,
		sessions: sessionHolder{clock: cfg.Clock},
		rand:     cfg.Rand,
		status:   SimulationPaused,
		cmdChan:  make(chan simulationCommand, 1),
		doneChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go_func_utils.SafeGo(logger, func() { s.runLoop() })

	return s
}

// Start starts or resumes the tick loop
func (s *Simulator) Start() {
	s.send(simStart)
}

// Stop pauses the tick loop, or stops it for the stop action
func (s *Simulator) Stop(action gatt.StopAction) {
	if action == gatt.StopActionStop {
		s.send(simStop)
		return
	}
	s.send(simPause)
}

func (s *Simulator) send(cmd simulationCommand) {
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
	}
}

func (s *Simulator) Status() SimulationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetTargetPower clamps watts to the trainer limits and publishes the change
func (s *Simulator) SetTargetPower(watts int) int16 {
	clamped := int16(clampInt(watts, MinTargetPowerWatts, MaxTargetPowerWatts))

	s.mu.Lock()
	s.targetPower = clamped
	s.mu.Unlock()

	s.pub.emit(EventTargetPowerChanged, clamped)
	return clamped
}

// SetTargetCadence clamps rpm to the trainer limits and publishes the change
func (s *Simulator) SetTargetCadence(rpm float64) float64 {
	clamped := clampFloat(rpm, MinTargetCadenceRpm, MaxTargetCadenceRpm)

	s.mu.Lock()
	s.targetCadence = clamped
	s.mu.Unlock()

	s.pub.emit(EventTargetCadenceChanged, clamped)
	return clamped
}

// Targets returns the current set-points
func (s *Simulator) Targets() (int16, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targetPower, s.targetCadence
}

// StartSession resumes a paused simulated session or begins a new one
func (s *Simulator) StartSession() (*Session, error) {
	session, err := s.sessions.start()
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Simulator: Session %s started", session.ID())
	s.pub.emit(EventSessionStarted, nil)
	return session, nil
}

// StopSession pauses or stops the simulated session
func (s *Simulator) StopSession(action gatt.StopAction) (*Session, error) {
	session, err := s.sessions.stop(action)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Simulator: Session %s %s", session.ID(), session.Status())
	s.pub.emit(EventSessionStopped, action.String())
	return session, nil
}

func (s *Simulator) Session() *Session {
	return s.sessions.current()
}

func (s *Simulator) SessionData() SessionData {
	return s.sessions.snapshot()
}

// Shutdown stops the loop goroutine. Safe to call multiple times.
func (s *Simulator) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Printf("Simulator: Shutting down")
		close(s.doneChan)
		s.wg.Wait()
	})
}

func (s *Simulator) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	ticker.Stop() // Start paused

	for {
		select {
		case <-s.doneChan:
			ticker.Stop()
			return

		case cmd := <-s.cmdChan:
			switch cmd {
			case simStart:
				s.setStatus(SimulationStarted)
				ticker.Reset(s.tick)
				s.logger.Printf("Simulator: Started")
			case simPause:
				ticker.Stop()
				s.setStatus(SimulationPaused)
				s.logger.Printf("Simulator: Paused")
			case simStop:
				ticker.Stop()
				s.setStatus(SimulationStopped)
				s.logger.Printf("Simulator: Stopped")
			}

		case <-ticker.C:
			s.step()
		}
	}
}

func (s *Simulator) setStatus(status SimulationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// step produces one heart rate and one bike sample
func (s *Simulator) step() {
	hr, bike := s.sample()

	if session := s.sessions.current(); session != nil {
		session.AddHeartRate(hr)
		if stored, ok := session.AddBikeData(bike); ok {
			bike = stored
		}
	}

	s.pub.emit(EventHeartRateSample, hr)
	s.pub.emit(EventIndoorBikeSample, bike)
}

// sample jitters heart rate, cadence, speed and power around the targets
func (s *Simulator) sample() (gatt.HeartRateMeasurement, gatt.IndoorBikeData) {
	power, cadence := s.Targets()
	p, c := int(power), int(cadence)
	hr := simulatedHeartRate(p, c)

	s.randMu.Lock()
	bpm := s.jitter(hr, 5, 5)
	rpm := float64(s.jitter(c, 5, 5))
	speed := float64(27 + s.rand.IntN(3))
	watts := int16(s.jitter(p, 3, 3))
	s.randMu.Unlock()

	return gatt.HeartRateMeasurement{
			BPM:              uint16(bpm),
			ContactSupported: true,
			ContactDetected:  true,
		}, gatt.IndoorBikeData{
			SpeedKmh:   &speed,
			CadenceRpm: &rpm,
			PowerWatts: &watts,
		}
}

// jitter draws from [center-below, center+above), with the lower bound
// floored at zero. Caller holds randMu.
func (s *Simulator) jitter(center, below, above int) int {
	lo := max(center-below, 0)
	hi := center + above
	return lo + s.rand.IntN(hi-lo)
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func clampFloat(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
