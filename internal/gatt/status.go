package gatt

import (
	"encoding/binary"
	"fmt"
)

// StatusCode is the first byte of a Fitness Machine Status notification
type StatusCode byte

const (
	StatusUnknown               StatusCode = 0x00
	StatusReset                 StatusCode = 0x01
	StatusStoppedOrPaused       StatusCode = 0x02
	StatusStoppedBySafetyKey    StatusCode = 0x03
	StatusStartedOrResumed      StatusCode = 0x04
	StatusTargetPowerChanged    StatusCode = 0x08
	StatusSpinDown              StatusCode = 0x14
	StatusTargetCadenceChanged  StatusCode = 0x15
	StatusControlPermissionLost StatusCode = 0xFF
)

var statusCodeNames = map[StatusCode]string{
	StatusReset:                 "Reset",
	StatusStoppedOrPaused:       "Stopped or Paused",
	StatusStoppedBySafetyKey:    "Stopped by Safety Key",
	StatusStartedOrResumed:      "Started or Resumed",
	StatusTargetPowerChanged:    "Target Power Changed",
	StatusSpinDown:              "Spin Down Status",
	StatusTargetCadenceChanged:  "Target Cadence Changed",
	StatusControlPermissionLost: "Control Permission Lost",
}

// LookupStatusCode maps a raw byte onto a status code, StatusUnknown if unrecognised
func LookupStatusCode(b byte) StatusCode {
	code := StatusCode(b)
	if _, ok := statusCodeNames[code]; ok {
		return code
	}
	return StatusUnknown
}

func (c StatusCode) String() string {
	if name, ok := statusCodeNames[c]; ok {
		return name
	}
	return "Unknown Status"
}

// StopAction distinguishes a stop from a pause
type StopAction byte

const (
	StopActionUnknown StopAction = 0x00
	StopActionStop    StopAction = 0x01
	StopActionPause   StopAction = 0x02
)

// LookupStopAction maps a raw byte onto a stop action
func LookupStopAction(b byte) StopAction {
	switch a := StopAction(b); a {
	case StopActionStop, StopActionPause:
		return a
	default:
		return StopActionUnknown
	}
}

// ParseStopAction accepts the "stop" / "pause" strings used by commands and events
func ParseStopAction(s string) (StopAction, error) {
	switch s {
	case "stop":
		return StopActionStop, nil
	case "pause":
		return StopActionPause, nil
	default:
		return StopActionUnknown, fmt.Errorf("unknown stop action %q", s)
	}
}

func (a StopAction) String() string {
	switch a {
	case StopActionStop:
		return "stop"
	case StopActionPause:
		return "pause"
	default:
		return "unknown"
	}
}

// SpinDownStatus is the sub-code of a Spin Down status notification
type SpinDownStatus byte

const (
	SpinDownStatusUnknown      SpinDownStatus = 0x00
	SpinDownStatusRequested    SpinDownStatus = 0x01
	SpinDownStatusSuccess      SpinDownStatus = 0x02
	SpinDownStatusError        SpinDownStatus = 0x03
	SpinDownStatusStopPedaling SpinDownStatus = 0x04
)

// LookupSpinDownStatus maps a raw byte onto a spin down sub-code
func LookupSpinDownStatus(b byte) SpinDownStatus {
	switch s := SpinDownStatus(b); s {
	case SpinDownStatusRequested, SpinDownStatusSuccess, SpinDownStatusError, SpinDownStatusStopPedaling:
		return s
	default:
		return SpinDownStatusUnknown
	}
}

func (s SpinDownStatus) String() string {
	switch s {
	case SpinDownStatusRequested:
		return "Spin Down Requested"
	case SpinDownStatusSuccess:
		return "Success"
	case SpinDownStatusError:
		return "Error"
	case SpinDownStatusStopPedaling:
		return "Stop Pedaling"
	default:
		return "Unknown"
	}
}

// Status is a decoded Fitness Machine Status notification. Only the fields
// matching Code are populated.
type Status struct {
	Code    StatusCode
	RawCode byte

	StopAction       StopAction
	SpinDown         SpinDownStatus
	SpinDownTime     uint16
	TargetPowerWatts int16
	TargetCadenceRpm float64
}

// DecodeStatus decodes a Fitness Machine Status payload. Unknown status
// codes decode to StatusUnknown without error; a known code whose
// parameters are missing is an ErrParse.
func DecodeStatus(buf []byte) (Status, error) {
	if len(buf) < 1 {
		return Status{}, fmt.Errorf("%w: fitness machine status is empty", ErrParse)
	}

	s := Status{Code: LookupStatusCode(buf[0]), RawCode: buf[0]}
	need := func(n int) error {
		if len(buf) < n {
			return fmt.Errorf("%w: %s status needs %d bytes, got %d", ErrParse, s.Code, n, len(buf))
		}
		return nil
	}

	switch s.Code {
	case StatusStoppedOrPaused:
		if err := need(2); err != nil {
			return s, err
		}
		s.StopAction = LookupStopAction(buf[1])
	case StatusSpinDown:
		if err := need(2); err != nil {
			return s, err
		}
		s.SpinDown = LookupSpinDownStatus(buf[1])
		if s.SpinDown == SpinDownStatusSuccess {
			if err := need(4); err != nil {
				return s, err
			}
			s.SpinDownTime = binary.LittleEndian.Uint16(buf[2:])
		}
	case StatusTargetPowerChanged:
		if err := need(3); err != nil {
			return s, err
		}
		s.TargetPowerWatts = int16(binary.LittleEndian.Uint16(buf[1:]))
	case StatusTargetCadenceChanged:
		if err := need(3); err != nil {
			return s, err
		}
		s.TargetCadenceRpm = float64(binary.LittleEndian.Uint16(buf[1:])) / 2
	}

	return s, nil
}

// Status payload builders, used by mock trainers

func EncodeStoppedOrPaused(action StopAction) []byte {
	return []byte{byte(StatusStoppedOrPaused), byte(action)}
}

func EncodeSpinDownStatus(status SpinDownStatus, elapsed uint16) []byte {
	buf := []byte{byte(StatusSpinDown), byte(status)}
	if status == SpinDownStatusSuccess {
		buf = binary.LittleEndian.AppendUint16(buf, elapsed)
	}
	return buf
}

func EncodeTargetPowerChanged(watts int16) []byte {
	return binary.LittleEndian.AppendUint16([]byte{byte(StatusTargetPowerChanged)}, uint16(watts))
}

func EncodeTargetCadenceChanged(rpm float64) []byte {
	return append([]byte{byte(StatusTargetCadenceChanged)}, SetTargetCadence(rpm).Params...)
}
