package gatt

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Indoor Bike Data flag bits (FTMS 4.9.1.1)
const (
	ibdFlagMoreData             uint16 = 1 << 0 // inverted: 0 means instantaneous speed IS present
	ibdFlagAverageSpeed         uint16 = 1 << 1
	ibdFlagInstantaneousCadence uint16 = 1 << 2
	ibdFlagAverageCadence       uint16 = 1 << 3
	ibdFlagTotalDistance        uint16 = 1 << 4
	ibdFlagResistanceLevel      uint16 = 1 << 5
	ibdFlagInstantaneousPower   uint16 = 1 << 6
)

// Field sizes in octets
const (
	ibdFlagsSize           = 2
	ibdSpeedSize           = 2
	ibdCadenceSize         = 2
	ibdTotalDistanceSize   = 3
	ibdResistanceLevelSize = 1
	ibdPowerSize           = 2
)

// IndoorBikeData is one decoded Indoor Bike Data notification. Every field is
// optional; nil means the flags said the field was absent.
type IndoorBikeData struct {
	SpeedKmh          *float64 `json:"speed,omitempty"`
	AverageSpeedKmh   *float64 `json:"average_speed,omitempty"`
	CadenceRpm        *float64 `json:"cadence,omitempty"`
	AverageCadenceRpm *float64 `json:"average_cadence,omitempty"`
	DistanceMeters    *uint32  `json:"distance,omitempty"`
	ResistanceLevel   *int8    `json:"resistance_level,omitempty"`
	PowerWatts        *int16   `json:"power,omitempty"`
}

// ibdField describes one entry of the fixed field order
type ibdField struct {
	name    string
	size    int
	present func(flags uint16) bool
	decode  func(data *IndoorBikeData, raw []byte)
	encode  func(data IndoorBikeData) ([]byte, bool)
}

func flagSet(bit uint16) func(uint16) bool {
	return func(flags uint16) bool { return flags&bit != 0 }
}

// ibdFields is the order fields appear in after the flags. Each field's
// offset depends on every earlier present field, so decoding always walks
// the full list.
var ibdFields = []ibdField{
	{
		name:    "instantaneous speed",
		size:    ibdSpeedSize,
		present: func(flags uint16) bool { return flags&ibdFlagMoreData == 0 },
		decode: func(d *IndoorBikeData, raw []byte) {
			v := float64(binary.LittleEndian.Uint16(raw)) / 100
			d.SpeedKmh = &v
		},
		encode: func(d IndoorBikeData) ([]byte, bool) {
			return encodeScaledUint16(d.SpeedKmh, 100)
		},
	},
	{
		name:    "average speed",
		size:    ibdSpeedSize,
		present: flagSet(ibdFlagAverageSpeed),
		decode: func(d *IndoorBikeData, raw []byte) {
			v := float64(binary.LittleEndian.Uint16(raw)) / 100
			d.AverageSpeedKmh = &v
		},
		encode: func(d IndoorBikeData) ([]byte, bool) {
			return encodeScaledUint16(d.AverageSpeedKmh, 100)
		},
	},
	{
		name:    "instantaneous cadence",
		size:    ibdCadenceSize,
		present: flagSet(ibdFlagInstantaneousCadence),
		decode: func(d *IndoorBikeData, raw []byte) {
			v := float64(binary.LittleEndian.Uint16(raw)) / 2
			d.CadenceRpm = &v
		},
		encode: func(d IndoorBikeData) ([]byte, bool) {
			return encodeScaledUint16(d.CadenceRpm, 2)
		},
	},
	{
		name:    "average cadence",
		size:    ibdCadenceSize,
		present: flagSet(ibdFlagAverageCadence),
		decode: func(d *IndoorBikeData, raw []byte) {
			v := float64(binary.LittleEndian.Uint16(raw)) / 2
			d.AverageCadenceRpm = &v
		},
		encode: func(d IndoorBikeData) ([]byte, bool) {
			return encodeScaledUint16(d.AverageCadenceRpm, 2)
		},
	},
	{
		name:    "total distance",
		size:    ibdTotalDistanceSize,
		present: flagSet(ibdFlagTotalDistance),
		decode: func(d *IndoorBikeData, raw []byte) {
			v := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16
			d.DistanceMeters = &v
		},
		encode: func(d IndoorBikeData) ([]byte, bool) {
			if d.DistanceMeters == nil {
				return nil, false
			}
			v := min(*d.DistanceMeters, 0xFFFFFF)
			return []byte{byte(v), byte(v >> 8), byte(v >> 16)}, true
		},
	},
	{
		name:    "resistance level",
		size:    ibdResistanceLevelSize,
		present: flagSet(ibdFlagResistanceLevel),
		decode: func(d *IndoorBikeData, raw []byte) {
			v := int8(raw[0])
			d.ResistanceLevel = &v
		},
		encode: func(d IndoorBikeData) ([]byte, bool) {
			if d.ResistanceLevel == nil {
				return nil, false
			}
			return []byte{byte(*d.ResistanceLevel)}, true
		},
	},
	{
		name:    "instantaneous power",
		size:    ibdPowerSize,
		present: flagSet(ibdFlagInstantaneousPower),
		decode: func(d *IndoorBikeData, raw []byte) {
			v := int16(binary.LittleEndian.Uint16(raw))
			d.PowerWatts = &v
		},
		encode: func(d IndoorBikeData) ([]byte, bool) {
			if d.PowerWatts == nil {
				return nil, false
			}
			return binary.LittleEndian.AppendUint16(nil, uint16(*d.PowerWatts)), true
		},
	},
}

// DecodeIndoorBikeData parses the FTMS Indoor Bike Data characteristic.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
//
// Flags beyond instantaneous power are ignored; their fields trail the
// ones decoded here and do not move any decoded offset.
func DecodeIndoorBikeData(buf []byte) (IndoorBikeData, error) {
	var data IndoorBikeData
	if len(buf) < ibdFlagsSize {
		return data, fmt.Errorf("%w: indoor bike data too short: %d bytes", ErrParse, len(buf))
	}

	flags := binary.LittleEndian.Uint16(buf)
	offset := ibdFlagsSize

	for _, field := range ibdFields {
		if !field.present(flags) {
			continue
		}
		if offset+field.size > len(buf) {
			return IndoorBikeData{}, fmt.Errorf("%w: buffer too short for %s at offset %d", ErrParse, field.name, offset)
		}
		field.decode(&data, buf[offset:offset+field.size])
		offset += field.size
	}

	return data, nil
}

// EncodeIndoorBikeData builds an Indoor Bike Data payload carrying exactly
// the non-nil fields of data. Speed and cadence are rounded to the wire
// resolution (0.01 km/h, 0.5 rpm).
func EncodeIndoorBikeData(data IndoorBikeData) []byte {
	flags := ibdFlagMoreData
	body := make([]byte, 0, 16)

	for i, field := range ibdFields {
		raw, ok := field.encode(data)
		if !ok {
			continue
		}
		if i == 0 {
			flags &^= ibdFlagMoreData
		} else {
			flags |= 1 << uint(i)
		}
		body = append(body, raw...)
	}

	buf := binary.LittleEndian.AppendUint16(make([]byte, 0, ibdFlagsSize+len(body)), flags)
	return append(buf, body...)
}

func encodeScaledUint16(value *float64, scale float64) ([]byte, bool) {
	if value == nil {
		return nil, false
	}
	raw := math.Round(*value * scale)
	raw = math.Max(0, math.Min(raw, math.MaxUint16))
	return binary.LittleEndian.AppendUint16(nil, uint16(raw)), true
}

// HasAny reports whether at least one field is present
func (d IndoorBikeData) HasAny() bool {
	return d.SpeedKmh != nil || d.AverageSpeedKmh != nil || d.CadenceRpm != nil ||
		d.AverageCadenceRpm != nil || d.DistanceMeters != nil || d.ResistanceLevel != nil ||
		d.PowerWatts != nil
}
