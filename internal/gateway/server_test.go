package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startTestServer(t *testing.T, events EventSource, register func(*Server)) *Server {
	t.Helper()
	srv := NewServer(events, "127.0.0.1:0", testLogger())
	if register != nil {
		register(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// call sends a request and reads frames until its response, returning the
// response and the events received on the way
func call(t *testing.T, ws *websocket.Conn, id uint64, method string, params any) (Frame, []Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := Frame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		payload, err := json.Marshal(params)
		require.NoError(t, err)
		req.Payload = payload
	}
	require.NoError(t, wsjson.Write(ctx, ws, req))

	var events []Frame
	for {
		var frame Frame
		require.NoError(t, wsjson.Read(ctx, ws, &frame))
		switch {
		case frame.Type == FrameTypeEvent:
			events = append(events, frame)
		case frame.Type == FrameTypeResponse && frame.ID == id:
			return frame, events
		}
	}
}

// readEvent reads frames until an event named name arrives
func readEvent(t *testing.T, ws *websocket.Conn, name string) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var frame Frame
		require.NoError(t, wsjson.Read(ctx, ws, &frame))
		if frame.Type == FrameTypeEvent && frame.Event == name {
			return frame
		}
	}
}

func TestServerRPCRoundTrip(t *testing.T) {
	srv := startTestServer(t, trainer.NewEventBus(), func(s *Server) {
		s.RegisterHandler("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		})
	})
	ws := dialWS(t, srv)

	resp, _ := call(t, ws, 1, "echo", map[string]string{"msg": "hello"})
	assert.Equal(t, FrameTypeResponse, resp.Type)
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"msg":"hello"}`, string(resp.Payload))
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t, trainer.NewEventBus(), nil)
	ws := dialWS(t, srv)

	resp, _ := call(t, ws, 7, "nonexistent", nil)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Contains(t, resp.Error, "nonexistent")
	assert.Equal(t, "method-not-found", resp.Code)
}

func TestServerForwardsEvents(t *testing.T) {
	bus := trainer.NewEventBus()
	srv := startTestServer(t, bus, func(s *Server) {
		s.RegisterHandler("ping", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"pong"`), nil
		})
	})
	ws := dialWS(t, srv)

	// a completed call means the client is registered
	call(t, ws, 1, "ping", nil)

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	bus.Publish(trainer.Event{Name: trainer.EventTargetPowerChanged, Payload: int16(180), At: at})
	bus.Publish(trainer.Event{Name: trainer.EventSessionStarted, At: at})

	frame := readEvent(t, ws, trainer.EventTargetPowerChanged)
	assert.Equal(t, "180", string(frame.Payload))
	assert.True(t, at.Equal(frame.At))

	frame = readEvent(t, ws, trainer.EventSessionStarted)
	assert.Empty(t, frame.Payload)
}

func TestServerSlowClientDoesNotBlock(t *testing.T) {
	bus := trainer.NewEventBus()
	srv := startTestServer(t, bus, func(s *Server) {
		s.RegisterHandler("ping", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		})
	})
	ws := dialWS(t, srv)
	call(t, ws, 1, "ping", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 * clientSendBuffer {
			bus.Publish(trainer.Event{Name: trainer.EventHeartRateSample, Payload: map[string]int{"bpm": 120}})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a client that does not read")
	}
}

func TestServerStopsWithContext(t *testing.T) {
	srv := NewServer(trainer.NewEventBus(), "127.0.0.1:0", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	<-srv.Ready()

	ws := dialWS(t, srv)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	var frame Frame
	assert.Error(t, wsjson.Read(readCtx, ws, &frame))
}

// Engine commands end to end against the mock host

type engineFixture struct {
	bus     *trainer.EventBus
	trainer *bt.MockTrainer
	engine  *trainer.Engine
	ws      *websocket.Conn
}

func newEngineFixture(t *testing.T, mode trainer.Mode) *engineFixture {
	t.Helper()
	mockTrainer := bt.NewMockTrainer(testLogger(), bt.MockDeviceConfig{
		ID:           "kickr-1",
		LocalName:    "KICKR",
		Interval:     time.Hour,
		SpinDownStep: 20 * time.Millisecond,
	})
	t.Cleanup(mockTrainer.Shutdown)

	host := bt.NewMockHost(testLogger(), mockTrainer.MockPeripheral)
	bus := trainer.NewEventBus()
	engine := trainer.NewEngine(host, bus, testLogger(), trainer.EngineConfig{
		Mode:           mode,
		SimulationTick: 10 * time.Millisecond,
	})
	t.Cleanup(engine.Shutdown)
	require.NoError(t, engine.Init())

	srv := startTestServer(t, bus, func(s *Server) {
		RegisterEngineHandlers(s, engine, HandlerConfig{ControlTimeout: time.Second, ConnectTimeout: time.Second})
	})
	return &engineFixture{bus: bus, trainer: mockTrainer, engine: engine, ws: dialWS(t, srv)}
}

func TestRegisterEngineHandlersCoversCommands(t *testing.T) {
	srv := NewServer(trainer.NewEventBus(), "127.0.0.1:0", testLogger())
	RegisterEngineHandlers(srv, &trainer.Engine{}, HandlerConfig{})

	assert.ElementsMatch(t, []string{
		"get-status", "start-scan", "stop-scan", "connect", "disconnect",
		"set-target-power", "set-target-cadence", "request-spin-down",
		"start-trainer", "stop-trainer", "start-session", "stop-session",
		"get-connected-devices", "get-session-data", "export-session",
		"start-simulation", "stop-simulation",
	}, srv.Methods())
}

func TestEngineCommandsOverGateway(t *testing.T) {
	f := newEngineFixture(t, trainer.ModeHardware)

	resp, _ := call(t, f.ws, 1, "get-status", nil)
	require.Empty(t, resp.Error)
	var status trainer.EngineStatus
	require.NoError(t, json.Unmarshal(resp.Payload, &status))
	assert.Equal(t, trainer.EngineReady, status.State)

	resp, events := call(t, f.ws, 2, "connect", map[string]string{"id": "kickr-1"})
	require.Empty(t, resp.Error)
	var device trainer.ConnectedDevice
	require.NoError(t, json.Unmarshal(resp.Payload, &device))
	assert.Equal(t, "kickr-1", device.ID)
	assert.Equal(t, trainer.SlotTrainer, device.Slot)
	assert.True(t, device.ControlGranted)
	if assert.NotEmpty(t, events) {
		assert.Equal(t, trainer.EventDeviceConnected, events[0].Event)
	}

	resp, _ = call(t, f.ws, 3, "set-target-power", map[string]int{"watts": 3000})
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"watts":2000}`, string(resp.Payload))
	assert.Equal(t, int16(2000), f.trainer.TargetPower())

	resp, _ = call(t, f.ws, 4, "request-spin-down", nil)
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"target_speed":3000}`, string(resp.Payload))
	frame := readEvent(t, f.ws, trainer.EventSpinDownSuccess)
	assert.Equal(t, "40", string(frame.Payload))

	resp, _ = call(t, f.ws, 5, "get-connected-devices", nil)
	var devices []trainer.ConnectedDevice
	require.NoError(t, json.Unmarshal(resp.Payload, &devices))
	assert.Len(t, devices, 1)

	resp, _ = call(t, f.ws, 6, "disconnect", map[string]string{"id": "kickr-1"})
	require.Empty(t, resp.Error)
	readEvent(t, f.ws, trainer.EventDeviceDisconnected)
}

func TestEngineCommandErrorsOverGateway(t *testing.T) {
	f := newEngineFixture(t, trainer.ModeHardware)

	tests := []struct {
		method string
		params any
		code   string
	}{
		{"connect", map[string]string{"id": "missing"}, "device-not-found"},
		{"connect", nil, "invalid-payload"},
		{"set-target-power", map[string]string{}, "invalid-payload"},
		{"set-target-power", map[string]int{"watts": 100}, "device-not-found"},
		{"stop-session", map[string]string{"action": "halt"}, "invalid-payload"},
		{"stop-session", map[string]string{"action": "stop"}, "session-state"},
		{"start-scan", map[string]string{"filter": "toaster"}, "invalid-payload"},
		{"start-simulation", nil, "wrong-mode"},
		{"export-session", nil, "internal"},
	}
	for i, tt := range tests {
		t.Run(tt.method+"/"+tt.code, func(t *testing.T) {
			resp, _ := call(t, f.ws, uint64(100+i), tt.method, tt.params)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestSimulationOverGateway(t *testing.T) {
	f := newEngineFixture(t, trainer.ModeSimulation)

	resp, _ := call(t, f.ws, 1, "set-target-cadence", map[string]float64{"rpm": 300})
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"rpm":250}`, string(resp.Payload))

	resp, _ = call(t, f.ws, 2, "start-simulation", nil)
	require.Empty(t, resp.Error)
	resp, _ = call(t, f.ws, 3, "start-session", nil)
	require.Empty(t, resp.Error)

	readEvent(t, f.ws, trainer.EventIndoorBikeSample)

	resp, _ = call(t, f.ws, 4, "stop-session", map[string]string{"action": "pause"})
	require.Empty(t, resp.Error)
	var data trainer.SessionData
	require.NoError(t, json.Unmarshal(resp.Payload, &data))
	assert.Equal(t, trainer.SessionPaused, data.Status)

	resp, _ = call(t, f.ws, 5, "stop-simulation", map[string]string{"action": "stop"})
	assert.Empty(t, resp.Error)
}
