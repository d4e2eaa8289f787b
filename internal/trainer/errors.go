package trainer

import (
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

var (
	ErrAdapterUnavailable  = bt.ErrAdapterUnavailable
	ErrScanFailure         = errors.New("scan failure")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrConnectionFailure   = errors.New("connection failure")
	ErrSubscriptionFailure = errors.New("subscription failure")
	ErrWriteFailure        = errors.New("write failure")
	ErrParse               = gatt.ErrParse
	ErrProtocol            = gatt.ErrProtocol
	ErrSessionState        = errors.New("invalid session state")

	// ErrWrongMode is returned for simulator commands outside simulation mode
	ErrWrongMode = errors.New("command not available in this mode")

	// ErrControlBusy is returned when a control request is already awaiting its response
	ErrControlBusy = fmt.Errorf("%w: control request already outstanding", ErrProtocol)
)

// ControlResultError is a control point write the trainer answered with a
// non-Success result code
type ControlResultError struct {
	OpCode gatt.OpCode
	Result gatt.ResultCode
}

func (e *ControlResultError) Error() string {
	return fmt.Sprintf("%s: %s rejected: %s", ErrWriteFailure, e.OpCode, e.Result)
}

func (e *ControlResultError) Unwrap() error {
	return ErrWriteFailure
}
