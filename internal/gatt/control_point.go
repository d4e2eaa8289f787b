package gatt

import (
	"encoding/binary"
	"fmt"
	"math"
)

// OpCode is an FTMS Control Point operation code
type OpCode byte

const (
	OpRequestControl   OpCode = 0x00
	OpReset            OpCode = 0x01
	OpSetTargetPower   OpCode = 0x05
	OpStartOrResume    OpCode = 0x07
	OpStopOrPause      OpCode = 0x08
	OpSpinDownControl  OpCode = 0x13
	OpSetTargetCadence OpCode = 0x14

	// OpResponseCode is the first byte of every control point indication
	OpResponseCode OpCode = 0x80
)

var opCodeNames = map[OpCode]string{
	OpRequestControl:   "Request Control",
	OpReset:            "Reset",
	OpSetTargetPower:   "Set Target Power",
	OpStartOrResume:    "Start/Resume",
	OpStopOrPause:      "Stop/Pause",
	OpSpinDownControl:  "Spin Down Control",
	OpSetTargetCadence: "Set Target Cadence",
	OpResponseCode:     "Response Code",
}

// LookupOpCode maps a raw byte onto a known opcode
func LookupOpCode(b byte) (OpCode, bool) {
	op := OpCode(b)
	_, ok := opCodeNames[op]
	return op, ok
}

func (o OpCode) String() string {
	if name, ok := opCodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OpCode 0x%02X", byte(o))
}

// ResultCode is the outcome carried by a control point indication
type ResultCode byte

const (
	ResultUnknown             ResultCode = 0x00
	ResultSuccess             ResultCode = 0x01
	ResultOpCodeNotSupported  ResultCode = 0x02
	ResultInvalidParameter    ResultCode = 0x03
	ResultOperationFailed     ResultCode = 0x04
	ResultControlNotPermitted ResultCode = 0x05
)

// LookupResultCode maps a raw byte onto a result code. Out-of-range values
// become ResultUnknown.
func LookupResultCode(b byte) ResultCode {
	switch r := ResultCode(b); r {
	case ResultSuccess, ResultOpCodeNotSupported, ResultInvalidParameter,
		ResultOperationFailed, ResultControlNotPermitted:
		return r
	default:
		return ResultUnknown
	}
}

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return "Unknown Result"
	}
}

// SpinDownCommand is the parameter of a Spin Down Control request
type SpinDownCommand byte

const (
	SpinDownStart  SpinDownCommand = 0x01
	SpinDownIgnore SpinDownCommand = 0x02
)

// ControlRequest is a control point write: opcode plus little-endian parameters
type ControlRequest struct {
	OpCode OpCode
	Params []byte
}

// Bytes returns the wire form of the request
func (r ControlRequest) Bytes() []byte {
	buf := make([]byte, 0, 1+len(r.Params))
	buf = append(buf, byte(r.OpCode))
	return append(buf, r.Params...)
}

func (r ControlRequest) String() string {
	return fmt.Sprintf("%s % X", r.OpCode, r.Params)
}

func RequestControl() ControlRequest {
	return ControlRequest{OpCode: OpRequestControl}
}

func StartOrResume() ControlRequest {
	return ControlRequest{OpCode: OpStartOrResume}
}

// StopOrPause encodes the Stop/Pause request; the parameter is 1 for stop, 2 for pause
func StopOrPause(action StopAction) ControlRequest {
	return ControlRequest{OpCode: OpStopOrPause, Params: []byte{byte(action)}}
}

// SetTargetPower encodes a target power in watts (SINT16)
func SetTargetPower(watts int16) ControlRequest {
	return ControlRequest{
		OpCode: OpSetTargetPower,
		Params: binary.LittleEndian.AppendUint16(nil, uint16(watts)),
	}
}

// SetTargetCadence encodes a target cadence in rpm (UINT16, 0.5 rpm resolution)
func SetTargetCadence(rpm float64) ControlRequest {
	raw := math.Max(0, math.Min(math.Round(rpm*2), math.MaxUint16))
	return ControlRequest{
		OpCode: OpSetTargetCadence,
		Params: binary.LittleEndian.AppendUint16(nil, uint16(raw)),
	}
}

func SpinDown(cmd SpinDownCommand) ControlRequest {
	return ControlRequest{OpCode: OpSpinDownControl, Params: []byte{byte(cmd)}}
}

// ControlResponse is a decoded control point indication
type ControlResponse struct {
	RequestOpCode OpCode
	Result        ResultCode
	RawResult     byte

	// Params are the bytes following the result code
	Params []byte
}

// DecodeControlResponse decodes `[0x80, echoed opcode, result, ...]`.
// A payload that does not start with the response marker is an ErrProtocol.
func DecodeControlResponse(buf []byte) (ControlResponse, error) {
	if len(buf) < 3 {
		return ControlResponse{}, fmt.Errorf("%w: control point response too short: %d bytes", ErrParse, len(buf))
	}
	if OpCode(buf[0]) != OpResponseCode {
		return ControlResponse{}, fmt.Errorf("%w: unexpected control point op code 0x%02X", ErrProtocol, buf[0])
	}
	return ControlResponse{
		RequestOpCode: OpCode(buf[1]),
		Result:        LookupResultCode(buf[2]),
		RawResult:     buf[2],
		Params:        append([]byte(nil), buf[3:]...),
	}, nil
}

// Success reports whether the trainer accepted the request
func (r ControlResponse) Success() bool {
	return r.Result == ResultSuccess
}

// SpinDownTargetSpeed returns the target speed carried at payload bytes 5-6
// (little-endian, 0.01 km/h) of a successful Spin Down Control response.
// Bytes 3-4 hold Target Speed Low, which is not used.
func (r ControlResponse) SpinDownTargetSpeed() (uint16, bool) {
	if r.RequestOpCode != OpSpinDownControl || !r.Success() || len(r.Params) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(r.Params[2:4]), true
}

// EncodeControlResponse builds an indication payload, used by mock trainers
func EncodeControlResponse(op OpCode, result ResultCode, params ...byte) []byte {
	buf := []byte{byte(OpResponseCode), byte(op), byte(result)}
	return append(buf, params...)
}

func (r ControlResponse) String() string {
	return fmt.Sprintf("%s -> %s", r.RequestOpCode, r.Result)
}
