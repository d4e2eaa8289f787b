package trainer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

// recordingHandler keeps the telemetry the manager dispatches
type recordingHandler struct {
	mu         sync.Mutex
	heartRates []gatt.HeartRateMeasurement
	bikeData   []gatt.IndoorBikeData
	statuses   []gatt.Status
}

func (h *recordingHandler) handleHeartRate(_ string, m gatt.HeartRateMeasurement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartRates = append(h.heartRates, m)
}

func (h *recordingHandler) handleBikeData(_ string, d gatt.IndoorBikeData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bikeData = append(h.bikeData, d)
}

func (h *recordingHandler) handleStatus(_ string, s gatt.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, s)
}

func (h *recordingHandler) heartRateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.heartRates)
}

func (h *recordingHandler) statusCodes() []gatt.StatusCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	codes := make([]gatt.StatusCode, 0, len(h.statuses))
	for _, s := range h.statuses {
		codes = append(codes, s.Code)
	}
	return codes
}

type managerFixture struct {
	host    *bt.MockHost
	sink    *recordingSink
	handler *recordingHandler
	manager *ConnectionManager
}

func newManagerFixture(t *testing.T, peripherals ...*bt.MockPeripheral) *managerFixture {
	t.Helper()
	host := bt.NewMockHost(testLogger(), peripherals...)
	require.NoError(t, host.Enable())

	f := &managerFixture{
		host:    host,
		sink:    newRecordingSink(),
		handler: &recordingHandler{},
	}
	f.manager = NewConnectionManager(host, f.handler, publisher{sink: f.sink, clock: time.Now}, testLogger())
	t.Cleanup(f.manager.Shutdown)
	return f
}

// quietTrainer is a mock trainer that only talks when spoken to
func quietTrainer(t *testing.T, id string) *bt.MockTrainer {
	t.Helper()
	trainer := bt.NewMockTrainer(testLogger(), bt.MockDeviceConfig{
		ID:           id,
		LocalName:    "KICKR " + id,
		Interval:     time.Hour,
		SpinDownStep: 20 * time.Millisecond,
	})
	t.Cleanup(trainer.Shutdown)
	return trainer
}

func quietStrap(t *testing.T, id string) *bt.MockHeartRateStrap {
	t.Helper()
	strap := bt.NewMockHeartRateStrap(testLogger(), bt.MockDeviceConfig{
		ID:        id,
		LocalName: "HRM " + id,
		Interval:  time.Hour,
	})
	t.Cleanup(strap.Shutdown)
	return strap
}

var trainerSubscribeCalls = []string{
	"connect",
	"subscribe:" + gatt.CharUUIDFTMSStatus,
	"subscribe:" + gatt.CharUUIDIndoorBikeData,
	"subscribe:" + gatt.CharUUIDFTMSControlPoint,
}

func TestConnectTrainer(t *testing.T) {
	trainer := quietTrainer(t, "kickr-1")
	f := newManagerFixture(t, trainer.MockPeripheral)

	device, err := f.manager.Connect(context.Background(), "kickr-1")
	require.NoError(t, err)

	assert.Equal(t, gatt.DeviceTypeSmartTrainer, device.Type)
	assert.Equal(t, SlotTrainer, device.Slot)
	assert.Equal(t, SlotConnected, device.State)
	assert.True(t, device.ControlGranted)
	assert.True(t, f.manager.ControlGranted())

	assert.Equal(t, trainerSubscribeCalls, trainer.Calls())

	writes := trainer.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, gatt.RequestControl().Bytes(), writes[0].Data)
	assert.True(t, writes[0].WithResponse)

	events := f.sink.named(EventDeviceConnected)
	require.Len(t, events, 1)
	assert.Equal(t, device, events[0].Payload)
	assert.Equal(t, SlotConnected, f.manager.SlotState(SlotTrainer))
	assert.Equal(t, SlotDisconnected, f.manager.SlotState(SlotHeartRate))
}

func TestConnectUnknownDevice(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestConnectTwiceIsNoop(t *testing.T) {
	strap := quietStrap(t, "hr-1")
	f := newManagerFixture(t, strap.MockPeripheral)

	first, err := f.manager.Connect(context.Background(), "hr-1")
	require.NoError(t, err)
	second, err := f.manager.Connect(context.Background(), "hr-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"connect", "subscribe:" + gatt.CharUUIDHeartRateMeasurement}, strap.Calls())
	assert.Len(t, f.sink.named(EventDeviceConnected), 1)
}

func TestConnectOccupiedSlotFails(t *testing.T) {
	first := quietStrap(t, "hr-1")
	second := quietStrap(t, "hr-2")
	f := newManagerFixture(t, first.MockPeripheral, second.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "hr-1")
	require.NoError(t, err)

	_, err = f.manager.Connect(context.Background(), "hr-2")
	assert.ErrorIs(t, err, ErrConnectionFailure)
	assert.Empty(t, second.Calls())

	devices := f.manager.ConnectedDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "hr-1", devices[0].ID)
}

func TestConnectFailureLeavesSlotFree(t *testing.T) {
	strap := quietStrap(t, "hr-1")
	strap.FailConnect(errors.New("out of range"))
	f := newManagerFixture(t, strap.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "hr-1")
	assert.ErrorIs(t, err, ErrConnectionFailure)
	assert.Equal(t, SlotDisconnected, f.manager.SlotState(SlotHeartRate))
	assert.Empty(t, f.sink.named(EventDeviceConnected))
}

func TestSubscribeFailureRollsBack(t *testing.T) {
	trainer := quietTrainer(t, "kickr-1")
	trainer.FailSubscribe(gatt.CharUUIDIndoorBikeData, errors.New("gatt error"))
	f := newManagerFixture(t, trainer.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "kickr-1")
	require.ErrorIs(t, err, ErrSubscriptionFailure)

	assert.Equal(t, []string{
		"connect",
		"subscribe:" + gatt.CharUUIDFTMSStatus,
		"subscribe:" + gatt.CharUUIDIndoorBikeData,
		"unsubscribe:" + gatt.CharUUIDFTMSStatus,
		"disconnect",
	}, trainer.Calls())
	assert.False(t, trainer.IsConnected())
	assert.Equal(t, SlotDisconnected, f.manager.SlotState(SlotTrainer))
	assert.Empty(t, f.manager.ConnectedDevices())
	assert.Empty(t, f.sink.named(EventDeviceConnected))
}

func TestControlRefusedKeepsConnection(t *testing.T) {
	trainer := quietTrainer(t, "kickr-1")
	trainer.SetResult(gatt.OpRequestControl, gatt.ResultControlNotPermitted)
	f := newManagerFixture(t, trainer.MockPeripheral)

	device, err := f.manager.Connect(context.Background(), "kickr-1")
	require.NoError(t, err)
	assert.False(t, device.ControlGranted)
	assert.False(t, f.manager.ControlGranted())
	assert.Len(t, f.manager.ConnectedDevices(), 1)
}

func TestControlWriteFailureRollsBack(t *testing.T) {
	trainer := quietTrainer(t, "kickr-1")
	trainer.FailWrite(errors.New("att error"))
	f := newManagerFixture(t, trainer.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "kickr-1")
	require.ErrorIs(t, err, ErrConnectionFailure)

	assert.Equal(t, append(append([]string{}, trainerSubscribeCalls...),
		"unsubscribe:"+gatt.CharUUIDFTMSControlPoint,
		"unsubscribe:"+gatt.CharUUIDIndoorBikeData,
		"unsubscribe:"+gatt.CharUUIDFTMSStatus,
		"disconnect",
	), trainer.Calls())
	assert.Empty(t, f.manager.ConnectedDevices())
}

func TestDisconnectUnsubscribesInReverse(t *testing.T) {
	trainer := quietTrainer(t, "kickr-1")
	f := newManagerFixture(t, trainer.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "kickr-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.Disconnect("kickr-1"))

	assert.Equal(t, append(append([]string{}, trainerSubscribeCalls...),
		"unsubscribe:"+gatt.CharUUIDFTMSControlPoint,
		"unsubscribe:"+gatt.CharUUIDIndoorBikeData,
		"unsubscribe:"+gatt.CharUUIDFTMSStatus,
		"disconnect",
	), trainer.Calls())

	events := f.sink.named(EventDeviceDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, "kickr-1", events[0].Payload.(ConnectedDevice).ID)
	assert.Empty(t, f.manager.ConnectedDevices())
	assert.False(t, f.manager.ControlGranted())

	_, err = f.manager.SendControl(context.Background(), gatt.StartOrResume())
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDisconnectUnknownDevice(t *testing.T) {
	f := newManagerFixture(t)
	assert.ErrorIs(t, f.manager.Disconnect("hr-1"), ErrDeviceNotFound)
}

func TestConnectionLossFreesSlot(t *testing.T) {
	strap := quietStrap(t, "hr-1")
	f := newManagerFixture(t, strap.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "hr-1")
	require.NoError(t, err)

	strap.Drop()

	events := f.sink.waitFor(t, EventDeviceDisconnected, 1)
	assert.Equal(t, "hr-1", events[0].Payload.(ConnectedDevice).ID)
	assert.Empty(t, f.manager.ConnectedDevices())
	assert.Equal(t, SlotDisconnected, f.manager.SlotState(SlotHeartRate))

	// the slot is usable again
	_, err = f.manager.Connect(context.Background(), "hr-1")
	require.NoError(t, err)
}

func TestParseErrorDoesNotTearDown(t *testing.T) {
	strap := quietStrap(t, "hr-1")
	f := newManagerFixture(t, strap.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "hr-1")
	require.NoError(t, err)

	for range 10 {
		strap.Notify(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, []byte{})
	}
	strap.Notify(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement,
		gatt.EncodeHeartRate(gatt.HeartRateMeasurement{BPM: 130}))

	assert.Eventually(t, func() bool { return f.handler.heartRateCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.manager.ConnectedDevices(), 1)
	assert.Empty(t, f.sink.named(EventDeviceDisconnected))
}

func TestGenericDeviceIsRejected(t *testing.T) {
	p := mockPeripheral("speaker-1", "Speaker", "0000180f-0000-1000-8000-00805f9b34fb")
	f := newManagerFixture(t, p)

	_, err := f.manager.Connect(context.Background(), "speaker-1")
	require.ErrorIs(t, err, ErrConnectionFailure)
	assert.Equal(t, []string{"connect", "disconnect"}, p.Calls())
	assert.Equal(t, SlotDisconnected, f.manager.SlotState(SlotHeartRate))
	assert.Equal(t, SlotDisconnected, f.manager.SlotState(SlotTrainer))
}

func TestDeviceIsClassifiedByDiscoveredServices(t *testing.T) {
	p := bt.NewMockPeripheral(testLogger(), bt.MockPeripheralConfig{
		ID:           "hr-1",
		LocalName:    "Quiet Strap",
		ServiceUUIDs: []string{gatt.ServiceUUIDHeartRate},
	})
	f := newManagerFixture(t, p)

	device, err := f.manager.Connect(context.Background(), "hr-1")
	require.NoError(t, err)
	assert.Equal(t, gatt.DeviceTypeHeartRate, device.Type)
	assert.Equal(t, SlotHeartRate, device.Slot)
	assert.Equal(t, SlotDisconnected, f.manager.SlotState(SlotTrainer))
}

func TestSendControlRoundTrip(t *testing.T) {
	trainer := quietTrainer(t, "kickr-1")
	f := newManagerFixture(t, trainer.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "kickr-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := f.manager.SendControl(ctx, gatt.SetTargetPower(250))
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, int16(250), trainer.TargetPower())

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]gatt.StatusCode{gatt.StatusTargetPowerChanged}, f.handler.statusCodes())
	}, time.Second, 5*time.Millisecond)
}

func TestControlPermissionLostClearsGrant(t *testing.T) {
	trainer := quietTrainer(t, "kickr-1")
	f := newManagerFixture(t, trainer.MockPeripheral)

	_, err := f.manager.Connect(context.Background(), "kickr-1")
	require.NoError(t, err)
	require.True(t, f.manager.ControlGranted())

	trainer.RevokeControl()

	assert.Eventually(t, func() bool { return !f.manager.ControlGranted() }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.handler.statusCodes(), gatt.StatusControlPermissionLost)
	assert.Len(t, f.manager.ConnectedDevices(), 1)
}
