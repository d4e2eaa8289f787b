package trainer

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

// SessionStatus is the lifecycle state of a Session
type SessionStatus string

const (
	SessionStopped SessionStatus = "stopped"
	SessionStarted SessionStatus = "started"
	SessionPaused  SessionStatus = "paused"
)

// HeartRateSample is a heart rate measurement stamped with its arrival time
type HeartRateSample struct {
	At time.Time `json:"at"`
	gatt.HeartRateMeasurement
}

// BikeSample is an indoor bike data sample stamped with its arrival time.
// Its distance is the session total at that point.
type BikeSample struct {
	At time.Time `json:"at"`
	gatt.IndoorBikeData
}

// SessionData is a point-in-time copy of a Session
type SessionData struct {
	ID             string            `json:"id"`
	Status         SessionStatus     `json:"status"`
	StartedAt      time.Time         `json:"started_at,omitzero"`
	StoppedAt      time.Time         `json:"stopped_at,omitzero"`
	HeartRate      []HeartRateSample `json:"heart_rate"`
	Bike           []BikeSample      `json:"bike"`
	DistanceMeters float64           `json:"distance_meters"`
}

// Session aggregates telemetry while Started. Samples arriving while Paused
// or Stopped are dropped. Stopped is both the initial and the terminal state:
// a stopped session that has run cannot be started again.
type Session struct {
	mu    sync.RWMutex
	clock func() time.Time

	id        string
	status    SessionStatus
	ended     bool
	startedAt time.Time
	stoppedAt time.Time

	heartRate []HeartRateSample
	bike      []BikeSample

	distance        float64
	lastIntegration time.Time
}

// NewSession creates a Stopped session. A nil clock means time.Now.
func NewSession(clock func() time.Time) *Session {
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		clock:  clock,
		id:     ulid.MustNew(ulid.Timestamp(clock()), ulid.DefaultEntropy()).String(),
		status: SessionStopped,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start starts a fresh session or resumes a paused one
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.status == SessionPaused:
	case s.status == SessionStopped && !s.ended:
		s.startedAt = s.clock()
	default:
		return fmt.Errorf("%w: cannot start a %s session", ErrSessionState, s.describeLocked())
	}

	s.status = SessionStarted
	// Time spent paused does not count toward integrated distance
	s.lastIntegration = time.Time{}
	return nil
}

func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SessionStarted {
		return fmt.Errorf("%w: cannot pause a %s session", ErrSessionState, s.describeLocked())
	}
	s.status = SessionPaused
	return nil
}

func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == SessionStopped {
		return fmt.Errorf("%w: cannot stop a %s session", ErrSessionState, s.describeLocked())
	}
	s.status = SessionStopped
	s.ended = true
	s.stoppedAt = s.clock()
	return nil
}

// StopWith applies a stop action: pause pauses, stop ends the session
func (s *Session) StopWith(action gatt.StopAction) error {
	switch action {
	case gatt.StopActionPause:
		return s.Pause()
	case gatt.StopActionStop:
		return s.Stop()
	default:
		return fmt.Errorf("%w: unknown stop action", ErrSessionState)
	}
}

// Ended reports whether the session has run and been stopped
func (s *Session) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

func (s *Session) describeLocked() string {
	if s.ended {
		return "finished"
	}
	return string(s.status)
}

// AddHeartRate records m when the session is Started
func (s *Session) AddHeartRate(m gatt.HeartRateMeasurement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SessionStarted {
		return false
	}
	s.heartRate = append(s.heartRate, HeartRateSample{At: s.clock(), HeartRateMeasurement: m})
	return true
}

// AddBikeData records d when the session is Started and returns the sample
// as stored. A device-reported distance replaces the session total;
// otherwise distance is integrated from speed over the time since the
// previous sample and written into the returned copy.
func (s *Session) AddBikeData(d gatt.IndoorBikeData) (gatt.IndoorBikeData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SessionStarted {
		return d, false
	}

	now := s.clock()
	if d.DistanceMeters != nil {
		s.distance = float64(*d.DistanceMeters)
	} else {
		if d.SpeedKmh != nil && !s.lastIntegration.IsZero() {
			elapsed := now.Sub(s.lastIntegration).Seconds()
			if elapsed > 0 {
				s.distance += *d.SpeedKmh / 3600 * elapsed * 1000
			}
		}
		total := uint32(s.distance)
		d.DistanceMeters = &total
	}
	s.lastIntegration = now

	s.bike = append(s.bike, BikeSample{At: now, IndoorBikeData: d})
	return d, true
}

// DistanceMeters returns the session total distance
func (s *Session) DistanceMeters() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.distance
}

// Snapshot copies the session state
func (s *Session) Snapshot() SessionData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionData{
		ID:             s.id,
		Status:         s.status,
		StartedAt:      s.startedAt,
		StoppedAt:      s.stoppedAt,
		HeartRate:      append(make([]HeartRateSample, 0, len(s.heartRate)), s.heartRate...),
		Bike:           append(make([]BikeSample, 0, len(s.bike)), s.bike...),
		DistanceMeters: s.distance,
	}
}

// sessionHolder owns the active session of one telemetry path
type sessionHolder struct {
	mu      sync.RWMutex
	clock   func() time.Time
	session *Session
}

// start resumes a paused session or replaces any other with a new Started one
func (h *sessionHolder) start() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session != nil {
		switch h.session.Status() {
		case SessionPaused:
			return h.session, h.session.Start()
		case SessionStarted:
			return h.session, fmt.Errorf("%w: session %s already started", ErrSessionState, h.session.ID())
		}
	}

	s := NewSession(h.clock)
	if err := s.Start(); err != nil {
		return nil, err
	}
	h.session = s
	return s, nil
}

func (h *sessionHolder) stop(action gatt.StopAction) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session == nil {
		return nil, fmt.Errorf("%w: no session", ErrSessionState)
	}
	return h.session, h.session.StopWith(action)
}

func (h *sessionHolder) current() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// snapshot copies the active session, or describes an empty stopped one
func (h *sessionHolder) snapshot() SessionData {
	if s := h.current(); s != nil {
		return s.Snapshot()
	}
	return SessionData{Status: SessionStopped, HeartRate: []HeartRateSample{}, Bike: []BikeSample{}}
}
