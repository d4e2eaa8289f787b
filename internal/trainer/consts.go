package trainer

import (
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

// DataStreamID uniquely identifies a data stream
type DataStreamID string

const (
	StreamHeartRate      DataStreamID = "heart_rate"
	StreamFTMSStatus     DataStreamID = "ftms_status"
	StreamIndoorBikeData DataStreamID = "indoor_bike_data"
	StreamFTMSControl    DataStreamID = "ftms_control"
)

// DataStream defines a service/characteristic combo the engine subscribes to.
// Notifications and indications are subscribed the same way.
type DataStream struct {
	ID                 DataStreamID
	DisplayName        string
	ServiceUUID        string
	CharacteristicUUID string
}

var (
	DataStreamHeartRate = DataStream{
		ID:                 StreamHeartRate,
		DisplayName:        "Heart Rate",
		ServiceUUID:        gatt.ServiceUUIDHeartRate,
		CharacteristicUUID: gatt.CharUUIDHeartRateMeasurement,
	}
	DataStreamFTMSStatus = DataStream{
		ID:                 StreamFTMSStatus,
		DisplayName:        "Trainer Status",
		ServiceUUID:        gatt.ServiceUUIDFTMS,
		CharacteristicUUID: gatt.CharUUIDFTMSStatus,
	}
	DataStreamIndoorBikeData = DataStream{
		ID:                 StreamIndoorBikeData,
		DisplayName:        "Indoor Bike Data",
		ServiceUUID:        gatt.ServiceUUIDFTMS,
		CharacteristicUUID: gatt.CharUUIDIndoorBikeData,
	}
	DataStreamFTMSControl = DataStream{
		ID:                 StreamFTMSControl,
		DisplayName:        "Trainer Control",
		ServiceUUID:        gatt.ServiceUUIDFTMS,
		CharacteristicUUID: gatt.CharUUIDFTMSControlPoint,
	}
)

// deviceStreams lists the streams subscribed for each device type, in
// subscribe order. Teardown walks the list backwards.
var deviceStreams = map[gatt.DeviceType][]DataStream{
	gatt.DeviceTypeHeartRate:    {DataStreamHeartRate},
	gatt.DeviceTypeSmartTrainer: {DataStreamFTMSStatus, DataStreamIndoorBikeData, DataStreamFTMSControl},
}

// StreamsFor returns the subscribe-ordered streams of a device type
func StreamsFor(deviceType gatt.DeviceType) []DataStream {
	return deviceStreams[deviceType]
}

// SlotKind names one of the two connection slots
type SlotKind string

const (
	SlotHeartRate SlotKind = "heart-rate"
	SlotTrainer   SlotKind = "trainer"
)

// SlotFor maps a device type onto the slot it occupies
func SlotFor(deviceType gatt.DeviceType) (SlotKind, bool) {
	switch deviceType {
	case gatt.DeviceTypeHeartRate:
		return SlotHeartRate, true
	case gatt.DeviceTypeSmartTrainer:
		return SlotTrainer, true
	default:
		return "", false
	}
}

// Target limits applied before encoding control point requests
const (
	MinTargetPowerWatts = 25
	MaxTargetPowerWatts = 2000
	MinTargetCadenceRpm = 0.0
	MaxTargetCadenceRpm = 250.0
)

// Event names published to the Sink
const (
	EventDeviceDiscovered      = "device-discovered"
	EventDeviceConnected       = "device-connected"
	EventDeviceDisconnected    = "device-disconnected"
	EventHeartRateSample       = "heart-rate-sample"
	EventIndoorBikeSample      = "indoor-bike-sample"
	EventSessionStarted        = "session-started"
	EventSessionStopped        = "session-stopped"
	EventSpinDownStart         = "spin-down-start"
	EventSpinDownStopPedaling  = "spin-down-stop-pedaling"
	EventSpinDownSuccess       = "spin-down-success"
	EventSpinDownError         = "spin-down-error"
	EventTargetPowerChanged    = "target-power-changed"
	EventTargetCadenceChanged  = "target-cadence-changed"
	EventControlPermissionLost = "control-permission-lost"
	EventEngineStatus          = "engine-status"

	// EventWorkoutState carries the workout runner state, published by the
	// workout package on the same Sink
	EventWorkoutState = "workout-state"
)

const (
	// DefaultSimulationTick is how often the simulator produces a sample
	DefaultSimulationTick = 1 * time.Second

	// parseLogInterval bounds how often a misbehaving stream can log a parse error
	parseLogInterval = 5 * time.Second
	parseLogBurst    = 3
)
