package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

// Engine is the command surface the gateway drives
type Engine interface {
	Status() trainer.EngineStatus
	StartScan(filter gatt.DeviceType) error
	StopScan() error
	Connect(ctx context.Context, id string) (trainer.ConnectedDevice, error)
	Disconnect(id string) error
	ConnectedDevices() []trainer.ConnectedDevice
	SetTargetPower(ctx context.Context, watts int) (int16, error)
	SetTargetCadence(ctx context.Context, rpm float64) (float64, error)
	RequestSpinDown(ctx context.Context) (uint16, error)
	StartTrainer(ctx context.Context) error
	StopTrainer(ctx context.Context, action gatt.StopAction) error
	StartSession() (trainer.SessionData, error)
	StopSession(action gatt.StopAction) (trainer.SessionData, error)
	SessionData() trainer.SessionData
	ExportSessionFile() (string, error)
	StartSimulation() error
	StopSimulation(action gatt.StopAction) error
}

var _ Engine = (*trainer.Engine)(nil)

// HandlerConfig bounds how long a command may wait on a device
type HandlerConfig struct {
	// ControlTimeout bounds a control point round trip
	ControlTimeout time.Duration

	// ConnectTimeout bounds a whole connect sequence
	ConnectTimeout time.Duration
}

func (c *HandlerConfig) defaults() {
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
}

// Request params

type scanParams struct {
	Filter string `json:"filter"`
}

type deviceParams struct {
	ID string `json:"id"`
}

type powerParams struct {
	Watts *int `json:"watts"`
}

type cadenceParams struct {
	Rpm *float64 `json:"rpm"`
}

type actionParams struct {
	Action string `json:"action"`
}

// Results

type powerResult struct {
	Watts int16 `json:"watts"`
}

type cadenceResult struct {
	Rpm float64 `json:"rpm"`
}

type spinDownResult struct {
	TargetSpeed uint16 `json:"target_speed"`
}

type exportResult struct {
	Path string `json:"path"`
}

// RegisterEngineHandlers registers one RPC method per engine command
func RegisterEngineHandlers(s *Server, engine Engine, cfg HandlerConfig) {
	cfg.defaults()

	s.RegisterHandler("get-status", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return encode(engine.Status())
	})

	s.RegisterHandler("start-scan", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		params, err := decode[scanParams](payload)
		if err != nil {
			return nil, err
		}
		filter := gatt.DeviceTypeGeneric
		if params.Filter != "" {
			if filter, err = gatt.ParseDeviceType(params.Filter); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
		}
		return nil, engine.StartScan(filter)
	})

	s.RegisterHandler("stop-scan", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, engine.StopScan()
	})

	s.RegisterHandler("connect", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		params, err := decodeDevice(payload)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		device, err := engine.Connect(ctx, params.ID)
		if err != nil {
			return nil, err
		}
		return encode(device)
	})

	s.RegisterHandler("disconnect", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		params, err := decodeDevice(payload)
		if err != nil {
			return nil, err
		}
		return nil, engine.Disconnect(params.ID)
	})

	s.RegisterHandler("get-connected-devices", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return encode(engine.ConnectedDevices())
	})

	s.RegisterHandler("set-target-power", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		params, err := decode[powerParams](payload)
		if err != nil {
			return nil, err
		}
		if params.Watts == nil {
			return nil, fmt.Errorf("%w: watts is required", ErrInvalidPayload)
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.ControlTimeout)
		defer cancel()
		watts, err := engine.SetTargetPower(ctx, *params.Watts)
		if err != nil {
			return nil, err
		}
		return encode(powerResult{Watts: watts})
	})

	s.RegisterHandler("set-target-cadence", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		params, err := decode[cadenceParams](payload)
		if err != nil {
			return nil, err
		}
		if params.Rpm == nil {
			return nil, fmt.Errorf("%w: rpm is required", ErrInvalidPayload)
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.ControlTimeout)
		defer cancel()
		rpm, err := engine.SetTargetCadence(ctx, *params.Rpm)
		if err != nil {
			return nil, err
		}
		return encode(cadenceResult{Rpm: rpm})
	})

	s.RegisterHandler("request-spin-down", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.ControlTimeout)
		defer cancel()
		speed, err := engine.RequestSpinDown(ctx)
		if err != nil {
			return nil, err
		}
		return encode(spinDownResult{TargetSpeed: speed})
	})

	s.RegisterHandler("start-trainer", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.ControlTimeout)
		defer cancel()
		return nil, engine.StartTrainer(ctx)
	})

	s.RegisterHandler("stop-trainer", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		action, err := decodeAction(payload)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.ControlTimeout)
		defer cancel()
		return nil, engine.StopTrainer(ctx, action)
	})

	s.RegisterHandler("start-session", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		data, err := engine.StartSession()
		if err != nil {
			return nil, err
		}
		return encode(data)
	})

	s.RegisterHandler("stop-session", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		action, err := decodeAction(payload)
		if err != nil {
			return nil, err
		}
		data, err := engine.StopSession(action)
		if err != nil {
			return nil, err
		}
		return encode(data)
	})

	s.RegisterHandler("get-session-data", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return encode(engine.SessionData())
	})

	s.RegisterHandler("export-session", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		path, err := engine.ExportSessionFile()
		if err != nil {
			return nil, err
		}
		return encode(exportResult{Path: path})
	})

	s.RegisterHandler("start-simulation", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, engine.StartSimulation()
	})

	s.RegisterHandler("stop-simulation", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		action, err := decodeAction(payload)
		if err != nil {
			return nil, err
		}
		return nil, engine.StopSimulation(action)
	})
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

// decode unmarshals params. A request without params decodes to the zero value.
func decode[T any](payload json.RawMessage) (T, error) {
	var params T
	if len(payload) == 0 || string(payload) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(payload, &params); err != nil {
		return params, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return params, nil
}

func decodeDevice(payload json.RawMessage) (deviceParams, error) {
	params, err := decode[deviceParams](payload)
	if err != nil {
		return params, err
	}
	if params.ID == "" {
		return params, fmt.Errorf("%w: id is required", ErrInvalidPayload)
	}
	return params, nil
}

func decodeAction(payload json.RawMessage) (gatt.StopAction, error) {
	params, err := decode[actionParams](payload)
	if err != nil {
		return gatt.StopActionUnknown, err
	}
	action, err := gatt.ParseStopAction(params.Action)
	if err != nil {
		return gatt.StopActionUnknown, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return action, nil
}
