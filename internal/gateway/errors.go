package gateway

import (
	"context"
	"errors"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/workout"
)

var (
	ErrMethodNotFound = errors.New("rpc method not found")
	ErrInvalidPayload = errors.New("invalid rpc payload")
)

// errorCodes is checked in order, so wrapped sentinels come before the ones
// they wrap
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrMethodNotFound, "method-not-found"},
	{ErrInvalidPayload, "invalid-payload"},
	{trainer.ErrWrongMode, "wrong-mode"},
	{trainer.ErrControlBusy, "control-busy"},
	{context.DeadlineExceeded, "timeout"},
	{trainer.ErrAdapterUnavailable, "adapter-unavailable"},
	{trainer.ErrScanFailure, "scan-failure"},
	{trainer.ErrDeviceNotFound, "device-not-found"},
	{trainer.ErrConnectionFailure, "connection-failure"},
	{trainer.ErrSubscriptionFailure, "subscription-failure"},
	{trainer.ErrWriteFailure, "write-failure"},
	{trainer.ErrParse, "parse-error"},
	{trainer.ErrProtocol, "protocol-error"},
	{trainer.ErrSessionState, "session-state"},
	{workout.ErrInvalidWorkout, "invalid-workout"},
	{workout.ErrNoWorkout, "workout-state"},
	{workout.ErrWorkoutActive, "workout-state"},
	{workout.ErrAlreadyRunning, "workout-state"},
	{workout.ErrNotRunning, "workout-state"},
}

// errorCode maps err onto the stable code sent in response frames
func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
