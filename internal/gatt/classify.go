package gatt

import "fmt"

// DeviceType is the role a peripheral plays, derived from its services
type DeviceType int

const (
	DeviceTypeGeneric DeviceType = iota
	DeviceTypeHeartRate
	DeviceTypeSmartTrainer
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeGeneric:      "generic",
	DeviceTypeHeartRate:    "heart-rate",
	DeviceTypeSmartTrainer: "smart-trainer",
}

func (d DeviceType) String() string {
	if name, ok := deviceTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DeviceType(%d)", int(d))
}

// ParseDeviceType is the inverse of String
func ParseDeviceType(s string) (DeviceType, error) {
	for d, name := range deviceTypeNames {
		if name == s {
			return d, nil
		}
	}
	return DeviceTypeGeneric, fmt.Errorf("unknown device type %q", s)
}

func (d DeviceType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DeviceType) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Classify maps an advertised or discovered service set to a device type.
// A peripheral exposing both the Heart Rate and Fitness Machine services,
// or neither, is Generic.
func Classify(serviceUUIDs []string) DeviceType {
	hasHeartRate, hasFTMS := false, false
	for _, uuid := range serviceUUIDs {
		switch {
		case SameUUID(uuid, ServiceUUIDHeartRate):
			hasHeartRate = true
		case SameUUID(uuid, ServiceUUIDFTMS):
			hasFTMS = true
		}
	}

	switch {
	case hasHeartRate && !hasFTMS:
		return DeviceTypeHeartRate
	case hasFTMS && !hasHeartRate:
		return DeviceTypeSmartTrainer
	default:
		return DeviceTypeGeneric
	}
}

// ScanFilter returns the service UUIDs a scan for this device type is
// restricted to. Generic scans are unfiltered (nil).
func (d DeviceType) ScanFilter() []string {
	switch d {
	case DeviceTypeHeartRate:
		return []string{ServiceUUIDHeartRate}
	case DeviceTypeSmartTrainer:
		return []string{ServiceUUIDFTMS}
	default:
		return nil
	}
}
