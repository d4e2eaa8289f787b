package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/workout"
)

// WorkoutRunner is the workout surface the gateway drives
type WorkoutRunner interface {
	Load(w workout.Workout) error
	Start() error
	Pause() error
	Stop() error
	State() workout.State
}

var _ WorkoutRunner = (*workout.Runner)(nil)

// loadWorkoutParams names a built-in workout or carries a full one
type loadWorkoutParams struct {
	Name    string           `json:"name"`
	Workout *workout.Workout `json:"workout"`
}

// RegisterWorkoutHandlers registers the workout methods
func RegisterWorkoutHandlers(s *Server, runner WorkoutRunner) {
	s.RegisterHandler("list-workouts", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return encode(workout.Library())
	})

	s.RegisterHandler("load-workout", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		params, err := decode[loadWorkoutParams](payload)
		if err != nil {
			return nil, err
		}
		var w workout.Workout
		switch {
		case params.Workout != nil:
			w = *params.Workout
		case params.Name != "":
			var ok bool
			if w, ok = workout.Find(params.Name); !ok {
				return nil, fmt.Errorf("%w: unknown workout %q", ErrInvalidPayload, params.Name)
			}
		default:
			return nil, fmt.Errorf("%w: name or workout is required", ErrInvalidPayload)
		}
		if err := runner.Load(w); err != nil {
			return nil, err
		}
		return encode(runner.State())
	})

	s.RegisterHandler("start-workout", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, runner.Start()
	})

	s.RegisterHandler("pause-workout", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, runner.Pause()
	})

	s.RegisterHandler("stop-workout", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, runner.Stop()
	})

	s.RegisterHandler("get-workout-state", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return encode(runner.State())
	})
}
