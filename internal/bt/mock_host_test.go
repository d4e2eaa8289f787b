package bt

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func fastConfig(id, name string) MockDeviceConfig {
	return MockDeviceConfig{
		ID:           id,
		LocalName:    name,
		Interval:     10 * time.Millisecond,
		SpinDownStep: 10 * time.Millisecond,
		Rand:         rand.New(rand.NewPCG(1, 2)),
	}
}

func collectScan(t *testing.T, ch <-chan Peripheral, wait time.Duration) []string {
	t.Helper()
	var ids []string
	deadline := time.After(wait)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return ids
			}
			ids = append(ids, p.ID())
		case <-deadline:
			return ids
		}
	}
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case buf, ok := <-ch:
		require.True(t, ok, "stream closed")
		return buf
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}

func TestMockHost_ScanBeforeEnable(t *testing.T) {
	host := NewMockHost(testLogger())
	_, err := host.StartScan(nil)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestMockHost_EnableFailure(t *testing.T) {
	host := NewMockHost(testLogger())
	host.FailEnable(errors.New("no adapters"))
	assert.ErrorIs(t, host.Enable(), ErrAdapterUnavailable)
}

func TestMockHost_ScanFilterAppliedByHost(t *testing.T) {
	logger := testLogger()
	strap := NewMockHeartRateStrap(logger, fastConfig("hr-1", "HR Strap"))
	defer strap.Shutdown()
	trainer := NewMockTrainer(logger, fastConfig("kickr-1", "Trainer"))
	defer trainer.Shutdown()

	host := NewMockHost(logger, strap.MockPeripheral, trainer.MockPeripheral)
	require.NoError(t, host.Enable())

	ch, err := host.StartScan(gatt.Classify([]string{gatt.ServiceUUIDHeartRate}).ScanFilter())
	require.NoError(t, err)
	assert.True(t, host.IsScanning())

	ids := collectScan(t, ch, 150*time.Millisecond)
	assert.Equal(t, []string{"hr-1"}, ids)

	require.NoError(t, host.StopScan())
	assert.False(t, host.IsScanning())
	assert.Empty(t, collectScan(t, ch, time.Second), "channel closes on stop")
}

func TestMockHost_UnfilteredScanSeesLatePeripherals(t *testing.T) {
	logger := testLogger()
	host := NewMockHost(logger)
	require.NoError(t, host.Enable())

	ch, err := host.StartScan(nil)
	require.NoError(t, err)
	defer host.StopScan()

	_, err = host.StartScan(nil)
	assert.Error(t, err, "second concurrent scan")

	host.AddPeripheral(NewMockPeripheral(logger, MockPeripheralConfig{ID: "late", LocalName: "Late"}))
	assert.Equal(t, []string{"late"}, collectScan(t, ch, 200*time.Millisecond))

	p, ok := host.Peripheral("late")
	require.True(t, ok)
	assert.Equal(t, "Late", p.LocalName())
}

func TestMockHost_EndScanClosesResults(t *testing.T) {
	host := NewMockHost(testLogger())
	require.NoError(t, host.Enable())

	ch, err := host.StartScan(nil)
	require.NoError(t, err)
	host.EndScan(nil)
	assert.Empty(t, collectScan(t, ch, time.Second))
	assert.False(t, host.IsScanning())
	assert.NoError(t, host.ScanErr())

	ch, err = host.StartScan(nil)
	require.NoError(t, err, "a scan ended by the adapter can be restarted")
	host.LoseAdapter()
	assert.Empty(t, collectScan(t, ch, time.Second))
	assert.ErrorIs(t, host.ScanErr(), ErrAdapterUnavailable)

	_, err = host.StartScan(nil)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestMockPeripheral_SubscribeNotifyDrop(t *testing.T) {
	p := NewMockPeripheral(testLogger(), MockPeripheralConfig{
		ID:                     "hr-1",
		AdvertisedServiceUUIDs: []string{gatt.ServiceUUIDHeartRate},
	})

	_, err := p.Subscribe(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, p.Connect(context.Background()))
	services, err := p.DiscoverServices()
	require.NoError(t, err)
	assert.Equal(t, []string{gatt.ServiceUUIDHeartRate}, services)

	ch, err := p.Subscribe(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement)
	require.NoError(t, err)

	_, err = p.Subscribe(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	_, err = p.Subscribe(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData)
	assert.ErrorIs(t, err, ErrCharacteristicNotFound)

	assert.True(t, p.Notify(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, []byte{0x00, 90}))
	assert.Equal(t, []byte{0x00, 90}, recv(t, ch))

	p.Drop()
	assert.False(t, p.IsConnected())
	_, ok := <-ch
	assert.False(t, ok, "drop closes the stream")
	assert.False(t, p.Notify(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, []byte{0x00, 91}))
}

func TestMockPeripheral_FailureInjection(t *testing.T) {
	p := NewMockPeripheral(testLogger(), MockPeripheralConfig{
		ID:                     "t-1",
		AdvertisedServiceUUIDs: []string{gatt.ServiceUUIDFTMS},
	})
	boom := errors.New("boom")

	p.FailConnect(boom)
	assert.ErrorIs(t, p.Connect(context.Background()), boom)
	p.FailConnect(nil)
	require.NoError(t, p.Connect(context.Background()))

	p.FailSubscribe(gatt.CharUUIDIndoorBikeData, boom)
	_, err := p.Subscribe(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData)
	assert.ErrorIs(t, err, boom)

	p.FailWrite(boom)
	assert.ErrorIs(t, p.Write(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, []byte{0}, true), boom)

	assert.Equal(t, []string{"connect", "connect", "subscribe:" + gatt.CharUUIDIndoorBikeData}, p.Calls())
}

func TestMockPeripheral_Read(t *testing.T) {
	p := NewMockPeripheral(testLogger(), MockPeripheralConfig{ID: "x"})
	require.NoError(t, p.Connect(context.Background()))

	_, err := p.Read(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData)
	assert.ErrorIs(t, err, ErrCharacteristicNotFound)

	p.SetReadValue(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData, []byte{1, 2})
	got, err := p.Read(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

func connectTrainer(t *testing.T) (*MockTrainer, <-chan []byte, <-chan []byte) {
	t.Helper()
	trainer := NewMockTrainer(testLogger(), fastConfig("kickr-1", "Trainer"))
	t.Cleanup(trainer.Shutdown)

	require.NoError(t, trainer.Connect(context.Background()))
	status, err := trainer.Subscribe(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSStatus)
	require.NoError(t, err)
	cp, err := trainer.Subscribe(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint)
	require.NoError(t, err)
	return trainer, status, cp
}

func writeControl(t *testing.T, trainer *MockTrainer, req gatt.ControlRequest) {
	t.Helper()
	require.NoError(t, trainer.Write(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, req.Bytes(), true))
}

func TestMockTrainer_ControlPoint(t *testing.T) {
	trainer, status, cp := connectTrainer(t)

	writeControl(t, trainer, gatt.SetTargetPower(200))
	resp, err := gatt.DecodeControlResponse(recv(t, cp))
	require.NoError(t, err)
	assert.Equal(t, gatt.ResultControlNotPermitted, resp.Result)

	writeControl(t, trainer, gatt.RequestControl())
	resp, err = gatt.DecodeControlResponse(recv(t, cp))
	require.NoError(t, err)
	assert.True(t, resp.Success())

	writeControl(t, trainer, gatt.SetTargetPower(200))
	resp, err = gatt.DecodeControlResponse(recv(t, cp))
	require.NoError(t, err)
	assert.Equal(t, gatt.OpSetTargetPower, resp.RequestOpCode)
	assert.True(t, resp.Success())

	st, err := gatt.DecodeStatus(recv(t, status))
	require.NoError(t, err)
	assert.Equal(t, gatt.StatusTargetPowerChanged, st.Code)
	assert.Equal(t, int16(200), st.TargetPowerWatts)
	assert.Equal(t, int16(200), trainer.TargetPower())

	trainer.SetResult(gatt.OpStartOrResume, gatt.ResultOperationFailed)
	writeControl(t, trainer, gatt.StartOrResume())
	resp, err = gatt.DecodeControlResponse(recv(t, cp))
	require.NoError(t, err)
	assert.Equal(t, gatt.ResultOperationFailed, resp.Result)
}

func TestMockTrainer_SpinDownSequence(t *testing.T) {
	trainer, status, cp := connectTrainer(t)

	writeControl(t, trainer, gatt.RequestControl())
	recv(t, cp)

	writeControl(t, trainer, gatt.SpinDown(gatt.SpinDownStart))
	resp, err := gatt.DecodeControlResponse(recv(t, cp))
	require.NoError(t, err)
	speed, ok := resp.SpinDownTargetSpeed()
	require.True(t, ok)
	assert.Equal(t, MockTrainerSpinDownTargetSpeed, speed)

	st, err := gatt.DecodeStatus(recv(t, status))
	require.NoError(t, err)
	assert.Equal(t, gatt.SpinDownStatusStopPedaling, st.SpinDown)

	st, err = gatt.DecodeStatus(recv(t, status))
	require.NoError(t, err)
	assert.Equal(t, gatt.SpinDownStatusSuccess, st.SpinDown)
	assert.Equal(t, uint16(20), st.SpinDownTime)
}

func TestMockTrainer_StreamsIndoorBikeData(t *testing.T) {
	trainer := NewMockTrainer(testLogger(), fastConfig("kickr-1", "Trainer"))
	defer trainer.Shutdown()

	require.NoError(t, trainer.Connect(context.Background()))
	ch, err := trainer.Subscribe(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData)
	require.NoError(t, err)

	data, err := gatt.DecodeIndoorBikeData(recv(t, ch))
	require.NoError(t, err)
	require.NotNil(t, data.PowerWatts)
	assert.InDelta(t, 120, float64(*data.PowerWatts), 3)
	assert.NotNil(t, data.SpeedKmh)
	assert.NotNil(t, data.CadenceRpm)
	assert.Nil(t, data.DistanceMeters)
}

func TestMockHeartRateStrap_Streams(t *testing.T) {
	strap := NewMockHeartRateStrap(testLogger(), fastConfig("hr-1", "HR"))
	defer strap.Shutdown()
	strap.SetHeartRate(140)

	require.NoError(t, strap.Connect(context.Background()))
	ch, err := strap.Subscribe(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement)
	require.NoError(t, err)

	m, err := gatt.DecodeHeartRate(recv(t, ch))
	require.NoError(t, err)
	assert.InDelta(t, 140, float64(m.BPM), 2)
	assert.True(t, m.ContactDetected)
}

func TestNotifyStream_DropsWhenFull(t *testing.T) {
	s := newNotifyStream()
	for i := 0; i < notifyBufferSize; i++ {
		require.True(t, s.push([]byte{byte(i)}))
	}
	assert.False(t, s.push([]byte{0xFF}))
	assert.Equal(t, uint64(1), s.droppedCount())

	s.close()
	s.close()
	assert.False(t, s.push([]byte{0x01}))
}
