package trainer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 7, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ptr[T any](v T) *T {
	return &v
}

func TestSessionDropsSamplesUnlessStarted(t *testing.T) {
	s := NewSession(newFakeClock().Now)
	hr := gatt.HeartRateMeasurement{BPM: 120}

	assert.False(t, s.AddHeartRate(hr), "initial stopped session")
	require.NoError(t, s.Start())
	assert.True(t, s.AddHeartRate(hr))
	require.NoError(t, s.Pause())
	assert.False(t, s.AddHeartRate(hr))
	require.NoError(t, s.Stop())
	assert.False(t, s.AddHeartRate(hr))

	data := s.Snapshot()
	assert.Len(t, data.HeartRate, 1)
	assert.Equal(t, SessionStopped, data.Status)
}

func TestSessionTransitions(t *testing.T) {
	s := NewSession(nil)

	assert.ErrorIs(t, s.Pause(), ErrSessionState)
	assert.ErrorIs(t, s.Stop(), ErrSessionState)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrSessionState)

	require.NoError(t, s.StopWith(gatt.StopActionPause))
	assert.Equal(t, SessionPaused, s.Status())
	assert.ErrorIs(t, s.Pause(), ErrSessionState)

	require.NoError(t, s.Start(), "resume")
	require.NoError(t, s.StopWith(gatt.StopActionStop))
	assert.True(t, s.Ended())

	assert.ErrorIs(t, s.Start(), ErrSessionState, "a finished session cannot restart")
	assert.ErrorIs(t, s.StopWith(gatt.StopActionUnknown), ErrSessionState)
}

func TestSessionIDsAreUnique(t *testing.T) {
	clock := newFakeClock()
	a, b := NewSession(clock.Now), NewSession(clock.Now)
	assert.Len(t, a.ID(), 26)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSessionIntegratesDistance(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock.Now)
	require.NoError(t, s.Start())

	sample := gatt.IndoorBikeData{SpeedKmh: ptr(36.0)}

	stored, ok := s.AddBikeData(sample)
	require.True(t, ok)
	require.NotNil(t, stored.DistanceMeters)
	assert.Equal(t, uint32(0), *stored.DistanceMeters, "first sample has nothing to integrate")

	clock.Advance(time.Second)
	stored, _ = s.AddBikeData(sample)
	assert.InDelta(t, 10.0, s.DistanceMeters(), 1e-9)
	assert.Equal(t, uint32(10), *stored.DistanceMeters)

	clock.Advance(time.Second)
	s.AddBikeData(sample)
	assert.InDelta(t, 20.0, s.DistanceMeters(), 1e-9)

	assert.Nil(t, sample.DistanceMeters, "caller's sample is not modified")
}

func TestSessionReportedDistanceOverwritesTotal(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock.Now)
	require.NoError(t, s.Start())

	s.AddBikeData(gatt.IndoorBikeData{SpeedKmh: ptr(36.0)})
	clock.Advance(time.Second)
	s.AddBikeData(gatt.IndoorBikeData{SpeedKmh: ptr(36.0), DistanceMeters: ptr(uint32(500))})
	assert.InDelta(t, 500.0, s.DistanceMeters(), 1e-9)

	clock.Advance(time.Second)
	s.AddBikeData(gatt.IndoorBikeData{SpeedKmh: ptr(36.0)})
	assert.InDelta(t, 510.0, s.DistanceMeters(), 1e-9)
}

func TestSessionPauseGapIsNotIntegrated(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock.Now)
	require.NoError(t, s.Start())

	sample := gatt.IndoorBikeData{SpeedKmh: ptr(36.0)}
	s.AddBikeData(sample)
	require.NoError(t, s.Pause())

	clock.Advance(time.Minute)
	_, ok := s.AddBikeData(sample)
	assert.False(t, ok)

	require.NoError(t, s.Start())
	s.AddBikeData(sample)
	clock.Advance(time.Second)
	s.AddBikeData(sample)
	assert.InDelta(t, 10.0, s.DistanceMeters(), 1e-9)
}

func TestSessionSnapshotIsACopy(t *testing.T) {
	s := NewSession(nil)
	require.NoError(t, s.Start())
	s.AddHeartRate(gatt.HeartRateMeasurement{BPM: 90})

	data := s.Snapshot()
	s.AddHeartRate(gatt.HeartRateMeasurement{BPM: 91})

	assert.Len(t, data.HeartRate, 1)
	assert.Len(t, s.Snapshot().HeartRate, 2)
	assert.Equal(t, s.ID(), data.ID)
	assert.NotNil(t, NewSession(nil).Snapshot().Bike)
}
