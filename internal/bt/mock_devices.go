package bt

import (
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
)

// MockDeviceConfig configures the scripted HR strap and trainer
type MockDeviceConfig struct {
	ID        string
	LocalName string

	// Interval between telemetry notifications, 1 s when zero
	Interval time.Duration

	// SpinDownStep is the delay between spin down status notifications, 2 s when zero
	SpinDownStep time.Duration

	// ReportDistance makes the trainer include Total Distance in Indoor Bike Data
	ReportDistance bool

	// Rand drives the telemetry jitter; a time-seeded source when nil
	Rand *rand.Rand
}

func (c *MockDeviceConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.SpinDownStep <= 0 {
		c.SpinDownStep = 2 * time.Second
	}
	if c.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		c.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
}

// mockTicker runs emit every interval until Shutdown
type mockTicker struct {
	logger       *log.Logger
	doneChan     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func (t *mockTicker) start(interval time.Duration, emit func()) {
	t.doneChan = make(chan struct{})
	go_func_utils.SafeGoWG(t.logger, &t.wg, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.doneChan:
				return
			case <-ticker.C:
				emit()
			}
		}
	})
}

func (t *mockTicker) Shutdown() {
	t.shutdownOnce.Do(func() {
		if t.doneChan != nil {
			close(t.doneChan)
		}
	})
	t.wg.Wait()
}

// MockHeartRateStrap advertises the Heart Rate service and streams
// measurements while subscribed
type MockHeartRateStrap struct {
	*MockPeripheral
	mockTicker

	mu  sync.Mutex
	bpm uint16
	rng *rand.Rand
}

func NewMockHeartRateStrap(logger *log.Logger, cfg MockDeviceConfig) *MockHeartRateStrap {
	cfg.defaults()
	s := &MockHeartRateStrap{
		MockPeripheral: NewMockPeripheral(logger, MockPeripheralConfig{
			ID:                     cfg.ID,
			LocalName:              cfg.LocalName,
			RSSI:                   -55,
			AdvertisedServiceUUIDs: []string{gatt.ServiceUUIDHeartRate},
		}),
		mockTicker: mockTicker{logger: logger},
		bpm:        72,
		rng:        cfg.Rand,
	}
	s.start(cfg.Interval, s.emit)
	return s
}

// SetHeartRate changes the rate the strap jitters around
func (s *MockHeartRateStrap) SetHeartRate(bpm uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bpm = bpm
}

func (s *MockHeartRateStrap) emit() {
	s.mu.Lock()
	bpm := s.bpm + uint16(s.rng.IntN(5)) - 2
	s.mu.Unlock()

	s.Notify(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, gatt.EncodeHeartRate(gatt.HeartRateMeasurement{
		BPM:              bpm,
		ContactSupported: true,
		ContactDetected:  true,
	}))
}

// MockTrainer advertises FTMS and Cycling Power. It answers control point
// writes with indications, reports state changes on FTMS Status, runs the
// spin down sequence and streams Indoor Bike Data while subscribed.
type MockTrainer struct {
	*MockPeripheral
	mockTicker

	cfg MockDeviceConfig

	mu             sync.Mutex
	controlGranted bool
	running        bool
	targetPower    int16
	targetCadence  float64
	distance       float64
	overrides      map[gatt.OpCode]gatt.ResultCode
	spinDownTimer  *time.Timer
}

// MockTrainerSpinDownTargetSpeed is the target speed (0.01 km/h) the mock
// reports when a spin down starts
const MockTrainerSpinDownTargetSpeed uint16 = 3000

func NewMockTrainer(logger *log.Logger, cfg MockDeviceConfig) *MockTrainer {
	cfg.defaults()
	t := &MockTrainer{
		MockPeripheral: NewMockPeripheral(logger, MockPeripheralConfig{
			ID:                     cfg.ID,
			LocalName:              cfg.LocalName,
			RSSI:                   -60,
			AdvertisedServiceUUIDs: []string{gatt.ServiceUUIDFTMS, gatt.ServiceUUIDCyclingPower},
		}),
		mockTicker:    mockTicker{logger: logger},
		cfg:           cfg,
		targetPower:   120,
		targetCadence: 85,
		overrides:     make(map[gatt.OpCode]gatt.ResultCode),
	}
	t.OnWrite(t.handleWrite)
	t.OnSubscribe(func(charUUID string, subscribed bool) {
		if charUUID == "" && !subscribed {
			t.mu.Lock()
			t.controlGranted = false
			t.running = false
			t.mu.Unlock()
		}
	})
	t.start(cfg.Interval, t.emit)
	return t
}

// SetResult forces the result code for an opcode; ResultSuccess restores the
// normal behaviour
func (t *MockTrainer) SetResult(op gatt.OpCode, result gatt.ResultCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if result == gatt.ResultSuccess {
		delete(t.overrides, op)
		return
	}
	t.overrides[op] = result
}

// RevokeControl drops control permission and notifies it on FTMS Status
func (t *MockTrainer) RevokeControl() {
	t.mu.Lock()
	t.controlGranted = false
	t.mu.Unlock()
	t.status([]byte{byte(gatt.StatusControlPermissionLost)})
}

// TargetPower returns the last accepted target power
func (t *MockTrainer) TargetPower() int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetPower
}

func (t *MockTrainer) Shutdown() {
	t.mu.Lock()
	if t.spinDownTimer != nil {
		t.spinDownTimer.Stop()
	}
	t.mu.Unlock()
	t.mockTicker.Shutdown()
}

func (t *MockTrainer) respond(op gatt.OpCode, result gatt.ResultCode, params ...byte) {
	t.Notify(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeControlResponse(op, result, params...))
}

func (t *MockTrainer) status(payload []byte) {
	t.Notify(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSStatus, payload)
}

func (t *MockTrainer) handleWrite(serviceUUID, charUUID string, data []byte) {
	if !gatt.SameUUID(charUUID, gatt.CharUUIDFTMSControlPoint) || len(data) == 0 {
		return
	}
	op := gatt.OpCode(data[0])
	params := data[1:]

	t.mu.Lock()
	if result, ok := t.overrides[op]; ok {
		t.mu.Unlock()
		t.respond(op, result)
		return
	}
	if op != gatt.OpRequestControl && !t.controlGranted {
		t.mu.Unlock()
		t.respond(op, gatt.ResultControlNotPermitted)
		return
	}

	switch op {
	case gatt.OpRequestControl:
		t.controlGranted = true
		t.mu.Unlock()
		t.respond(op, gatt.ResultSuccess)

	case gatt.OpReset:
		t.controlGranted = false
		t.running = false
		t.mu.Unlock()
		t.respond(op, gatt.ResultSuccess)
		t.status([]byte{byte(gatt.StatusReset)})

	case gatt.OpSetTargetPower:
		if len(params) < 2 {
			t.mu.Unlock()
			t.respond(op, gatt.ResultInvalidParameter)
			return
		}
		watts := int16(uint16(params[0]) | uint16(params[1])<<8)
		t.targetPower = watts
		t.mu.Unlock()
		t.respond(op, gatt.ResultSuccess)
		t.status(gatt.EncodeTargetPowerChanged(watts))

	case gatt.OpSetTargetCadence:
		if len(params) < 2 {
			t.mu.Unlock()
			t.respond(op, gatt.ResultInvalidParameter)
			return
		}
		rpm := float64(uint16(params[0])|uint16(params[1])<<8) / 2
		t.targetCadence = rpm
		t.mu.Unlock()
		t.respond(op, gatt.ResultSuccess)
		t.status(gatt.EncodeTargetCadenceChanged(rpm))

	case gatt.OpStartOrResume:
		t.running = true
		t.mu.Unlock()
		t.respond(op, gatt.ResultSuccess)
		t.status([]byte{byte(gatt.StatusStartedOrResumed)})

	case gatt.OpStopOrPause:
		if len(params) < 1 {
			t.mu.Unlock()
			t.respond(op, gatt.ResultInvalidParameter)
			return
		}
		t.running = false
		t.mu.Unlock()
		t.respond(op, gatt.ResultSuccess)
		t.status(gatt.EncodeStoppedOrPaused(gatt.LookupStopAction(params[0])))

	case gatt.OpSpinDownControl:
		if len(params) < 1 {
			t.mu.Unlock()
			t.respond(op, gatt.ResultInvalidParameter)
			return
		}
		if gatt.SpinDownCommand(params[0]) != gatt.SpinDownStart {
			t.mu.Unlock()
			t.respond(op, gatt.ResultSuccess)
			return
		}
		t.scheduleSpinDownLocked()
		t.mu.Unlock()
		// target speed low then high, both 0.01 km/h
		high := MockTrainerSpinDownTargetSpeed
		low := high - 500
		t.respond(op, gatt.ResultSuccess,
			byte(low), byte(low>>8),
			byte(high), byte(high>>8))

	default:
		t.mu.Unlock()
		t.respond(op, gatt.ResultOpCodeNotSupported)
	}
}

// scheduleSpinDownLocked plays stop-pedaling then success, one step apart
func (t *MockTrainer) scheduleSpinDownLocked() {
	if t.spinDownTimer != nil {
		t.spinDownTimer.Stop()
	}
	step := t.cfg.SpinDownStep
	t.spinDownTimer = time.AfterFunc(step, func() {
		t.status(gatt.EncodeSpinDownStatus(gatt.SpinDownStatusStopPedaling, 0))

		t.mu.Lock()
		defer t.mu.Unlock()
		t.spinDownTimer = time.AfterFunc(step, func() {
			elapsed := uint16(2 * step / time.Millisecond)
			t.status(gatt.EncodeSpinDownStatus(gatt.SpinDownStatusSuccess, elapsed))
		})
	})
}

func (t *MockTrainer) emit() {
	if !t.IsSubscribed(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData) {
		return
	}
	rng := t.cfg.Rand

	t.mu.Lock()
	power := t.targetPower + int16(rng.IntN(7)) - 3
	cadence := t.targetCadence + float64(rng.IntN(5)) - 2
	speed := 20 + float64(power)/25 + rng.Float64()
	t.distance += speed / 3.6 * t.cfg.Interval.Seconds()
	distance := uint32(t.distance)
	t.mu.Unlock()

	data := gatt.IndoorBikeData{
		SpeedKmh:   &speed,
		CadenceRpm: &cadence,
		PowerWatts: &power,
	}
	if t.cfg.ReportDistance {
		data.DistanceMeters = &distance
	}
	t.Notify(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData, gatt.EncodeIndoorBikeData(data))
}
