package gatt

import (
	"encoding/binary"
	"fmt"
)

// Heart Rate Measurement flag bits
const (
	hrFlagValueUint16     = 0x01
	hrFlagContactDetected = 0x02
	hrFlagContactSupport  = 0x04
	hrFlagEnergyExpended  = 0x08
	hrFlagRRInterval      = 0x10
)

// HeartRateMeasurement is one decoded Heart Rate Measurement notification
type HeartRateMeasurement struct {
	BPM              uint16 `json:"bpm"`
	ContactSupported bool   `json:"contact_supported"`
	ContactDetected  bool   `json:"contact_detected"`

	// EnergyExpended is the accumulated energy in kJ, when the sensor sends it
	EnergyExpended *uint16 `json:"energy_expended,omitempty"`

	// RRIntervals are beat-to-beat intervals in 1/1024 s units
	RRIntervals []uint16 `json:"rr_intervals,omitempty"`
}

// DecodeHeartRate decodes a Heart Rate Measurement payload.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
//
// The optional fields after the heart rate value are walked in order so a
// truncated energy-expended or RR-interval field is reported instead of
// being silently misread.
func DecodeHeartRate(buf []byte) (HeartRateMeasurement, error) {
	var m HeartRateMeasurement
	if len(buf) < 2 {
		return m, fmt.Errorf("%w: heart rate data too short: %d bytes", ErrParse, len(buf))
	}

	flags := buf[0]
	offset := 1

	if flags&hrFlagValueUint16 != 0 {
		if offset+2 > len(buf) {
			return m, fmt.Errorf("%w: buffer too short for uint16 heart rate at offset %d", ErrParse, offset)
		}
		m.BPM = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
	} else {
		m.BPM = uint16(buf[offset])
		offset++
	}

	// Bits 1-2: 0b0x = not supported, 0b10 = supported but no contact, 0b11 = contact
	m.ContactSupported = flags&hrFlagContactSupport != 0
	m.ContactDetected = m.ContactSupported && flags&hrFlagContactDetected != 0

	if flags&hrFlagEnergyExpended != 0 {
		if offset+2 > len(buf) {
			return m, fmt.Errorf("%w: buffer too short for energy expended at offset %d", ErrParse, offset)
		}
		energy := binary.LittleEndian.Uint16(buf[offset:])
		m.EnergyExpended = &energy
		offset += 2
	}

	if flags&hrFlagRRInterval != 0 {
		rest := buf[offset:]
		if len(rest) == 0 || len(rest)%2 != 0 {
			return m, fmt.Errorf("%w: RR interval field has %d bytes at offset %d", ErrParse, len(rest), offset)
		}
		m.RRIntervals = make([]uint16, 0, len(rest)/2)
		for i := 0; i < len(rest); i += 2 {
			m.RRIntervals = append(m.RRIntervals, binary.LittleEndian.Uint16(rest[i:]))
		}
	}

	return m, nil
}

// EncodeHeartRate builds a Heart Rate Measurement payload. The 8-bit value
// format is used whenever the rate fits in a byte.
func EncodeHeartRate(m HeartRateMeasurement) []byte {
	var flags byte
	if m.ContactSupported {
		flags |= hrFlagContactSupport
		if m.ContactDetected {
			flags |= hrFlagContactDetected
		}
	}

	buf := []byte{0}
	if m.BPM > 0xFF {
		flags |= hrFlagValueUint16
		buf = binary.LittleEndian.AppendUint16(buf, m.BPM)
	} else {
		buf = append(buf, byte(m.BPM))
	}

	if m.EnergyExpended != nil {
		flags |= hrFlagEnergyExpended
		buf = binary.LittleEndian.AppendUint16(buf, *m.EnergyExpended)
	}
	if len(m.RRIntervals) > 0 {
		flags |= hrFlagRRInterval
		for _, rr := range m.RRIntervals {
			buf = binary.LittleEndian.AppendUint16(buf, rr)
		}
	}

	buf[0] = flags
	return buf
}
