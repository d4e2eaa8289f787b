package gatt

import (
	"strings"

	"tinygo.org/x/bluetooth"
)

// Bluetooth SIG assigned numbers for the services and characteristics the engine uses
const (
	// Heart Rate Service
	ServiceHeartRate         uint16 = 0x180D
	CharHeartRateMeasurement uint16 = 0x2A37

	// Cycling Speed and Cadence Service (CSC)
	ServiceCyclingSpeedCadence uint16 = 0x1816

	// Cycling Power Service
	ServiceCyclingPower         uint16 = 0x1818
	CharCyclingPowerMeasurement uint16 = 0x2A63

	// Fitness Machine Service (FTMS)
	ServiceFitnessMachine     uint16 = 0x1826
	CharIndoorBikeData        uint16 = 0x2AD2
	CharFitnessMachineControl uint16 = 0x2AD9
	CharFitnessMachineStatus  uint16 = 0x2ADA
)

// Full 128-bit string forms, as bluetooth.UUID.String() prints them
var (
	ServiceUUIDHeartRate           = UUID16(ServiceHeartRate)
	CharUUIDHeartRateMeasurement   = UUID16(CharHeartRateMeasurement)
	ServiceUUIDCyclingSpeedCadence = UUID16(ServiceCyclingSpeedCadence)
	ServiceUUIDCyclingPower        = UUID16(ServiceCyclingPower)
	CharUUIDCyclingPower           = UUID16(CharCyclingPowerMeasurement)
	ServiceUUIDFTMS                = UUID16(ServiceFitnessMachine)
	CharUUIDIndoorBikeData         = UUID16(CharIndoorBikeData)
	CharUUIDFTMSControlPoint       = UUID16(CharFitnessMachineControl)
	CharUUIDFTMSStatus             = UUID16(CharFitnessMachineStatus)
)

// UUID16 expands a 16-bit assigned number onto the Bluetooth base UUID
func UUID16(short uint16) string {
	return bluetooth.New16BitUUID(short).String()
}

// SameUUID compares two UUID strings ignoring case
func SameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
