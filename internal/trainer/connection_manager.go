package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/safe_map"
)

// SlotState is the lifecycle state of a connection slot
type SlotState string

const (
	SlotDisconnected        SlotState = "disconnected"
	SlotConnecting          SlotState = "connecting"
	SlotDiscoveringServices SlotState = "discovering-services"
	SlotSubscribing         SlotState = "subscribing"
	SlotConnected           SlotState = "connected"
	SlotUnsubscribing       SlotState = "unsubscribing"
	SlotDisconnecting       SlotState = "disconnecting"
)

// telemetryHandler receives decoded notifications from connected devices
type telemetryHandler interface {
	handleHeartRate(deviceID string, m gatt.HeartRateMeasurement)
	handleBikeData(deviceID string, d gatt.IndoorBikeData)
	handleStatus(deviceID string, s gatt.Status)
}

// connection is one connected peripheral occupying a slot
type connection struct {
	peripheral bt.Peripheral
	id         string
	name       string
	deviceType gatt.DeviceType
	slot       SlotKind

	// streams that were subscribed, in subscribe order
	streams []DataStream
	control *ControlPoint

	controlGranted atomic.Bool
	closing        atomic.Bool
	lostOnce       sync.Once
}

func (c *connection) describe(state SlotState) ConnectedDevice {
	return ConnectedDevice{
		ID:             c.id,
		Name:           c.name,
		Type:           c.deviceType,
		Slot:           c.slot,
		State:          state,
		ControlGranted: c.controlGranted.Load(),
	}
}

// slot holds at most one connection. mu is held for the whole of a connect
// or disconnect sequence.
type slot struct {
	kind SlotKind
	mu   sync.RWMutex
	conn *connection

	stateMu sync.Mutex
	state   SlotState
}

func (s *slot) setState(state SlotState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *slot) getState() SlotState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// parseLog throttles parse error logging for one stream
type parseLog struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// ConnectionManager owns the heart rate and trainer slots, subscribes the
// characteristics of connected devices and drains their notifications
type ConnectionManager struct {
	host    bt.Host
	logger  *log.Logger
	pub     publisher
	handler telemetryHandler

	heartRate *slot
	trainer   *slot

	parseLogs *safe_map.SafeMap[string, *parseLog]
	drains    sync.WaitGroup
}

func NewConnectionManager(host bt.Host, handler telemetryHandler, pub publisher, logger *log.Logger) *ConnectionManager {
	if host == nil {
		panic("ConnectionManager: host cannot be nil")
	}
	if handler == nil {
		panic("ConnectionManager: handler cannot be nil")
	}
	if logger == nil {
		panic("ConnectionManager: logger cannot be nil")
	}
	return &ConnectionManager{
		host:      host,
		logger:    logger,
		pub:       pub,
		handler:   handler,
		heartRate: &slot{kind: SlotHeartRate, state: SlotDisconnected},
		trainer:   &slot{kind: SlotTrainer, state: SlotDisconnected},
		parseLogs: safe_map.NewSafeMap[string, *parseLog](),
	}
}

func (m *ConnectionManager) slots() []*slot {
	return []*slot{m.heartRate, m.trainer}
}

func (m *ConnectionManager) slotOf(kind SlotKind) *slot {
	if kind == SlotTrainer {
		return m.trainer
	}
	return m.heartRate
}

// candidateSlots picks the slots a connect must lock, from the advertised
// device type. A device that does not advertise a single role may end up in
// either slot, so both are locked, always in the same order.
func (m *ConnectionManager) candidateSlots(advertised gatt.DeviceType) []*slot {
	if kind, ok := SlotFor(advertised); ok {
		return []*slot{m.slotOf(kind)}
	}
	return m.slots()
}

// Connect connects to a known peripheral, discovers its services, subscribes
// the streams of its device type and, for a trainer, requests control.
// Connecting a device that already occupies a slot is a no-op.
func (m *ConnectionManager) Connect(ctx context.Context, id string) (ConnectedDevice, error) {
	p, ok := m.host.Peripheral(id)
	if !ok {
		return ConnectedDevice{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	candidates := m.candidateSlots(gatt.Classify(p.AdvertisedServiceUUIDs()))
	for _, s := range candidates {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	var free []*slot
	for _, s := range candidates {
		switch {
		case s.conn != nil && s.conn.id == id:
			m.logger.Printf("ConnectionManager: %s already connected", s.conn.name)
			return s.conn.describe(s.getState()), nil
		case s.conn == nil:
			free = append(free, s)
		}
	}
	if len(free) == 0 {
		return ConnectedDevice{}, fmt.Errorf("%w: %s: slot occupied by %s", ErrConnectionFailure, id, candidates[0].conn.name)
	}

	setStates := func(state SlotState) {
		for _, s := range free {
			s.setState(state)
		}
	}

	name := p.LocalName()
	m.logger.Printf("ConnectionManager: Connecting to %s (%s)", name, id)

	setStates(SlotConnecting)
	if err := p.Connect(ctx); err != nil {
		setStates(SlotDisconnected)
		return ConnectedDevice{}, fmt.Errorf("%w: connect %s: %w", ErrConnectionFailure, name, err)
	}

	abort := func(cause error) (ConnectedDevice, error) {
		if err := p.Disconnect(); err != nil {
			m.logger.Printf("ConnectionManager: Disconnect %s after failed connect: %v", name, err)
		}
		setStates(SlotDisconnected)
		return ConnectedDevice{}, cause
	}

	setStates(SlotDiscoveringServices)
	services, err := p.DiscoverServices()
	if err != nil {
		return abort(fmt.Errorf("%w: discover services on %s: %w", ErrConnectionFailure, name, err))
	}

	deviceType := gatt.Classify(services)
	kind, ok := SlotFor(deviceType)
	if !ok {
		return abort(fmt.Errorf("%w: %s is not a heart rate monitor or smart trainer", ErrConnectionFailure, name))
	}

	var target *slot
	for _, s := range free {
		if s.kind == kind {
			target = s
		} else {
			s.setState(SlotDisconnected)
		}
	}
	if target == nil {
		return abort(fmt.Errorf("%w: %s is a %s but its slot is unavailable", ErrConnectionFailure, name, deviceType))
	}
	free = []*slot{target}

	conn := &connection{
		peripheral: p,
		id:         id,
		name:       name,
		deviceType: deviceType,
		slot:       kind,
	}

	target.setState(SlotSubscribing)
	channels := make([]<-chan []byte, 0, len(StreamsFor(deviceType)))
	for _, stream := range StreamsFor(deviceType) {
		ch, err := p.Subscribe(stream.ServiceUUID, stream.CharacteristicUUID)
		if err != nil {
			conn.closing.Store(true)
			m.unsubscribeAll(conn)
			return abort(fmt.Errorf("%w: %s on %s: %w", ErrSubscriptionFailure, stream.DisplayName, name, err))
		}
		conn.streams = append(conn.streams, stream)
		channels = append(channels, ch)
	}

	if deviceType == gatt.DeviceTypeSmartTrainer {
		conn.control = NewControlPoint(func(data []byte) error {
			return p.Write(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, data, true)
		}, m.logger)
	}

	for i, ch := range channels {
		stream := conn.streams[i]
		go_func_utils.SafeGoWG(m.logger, &m.drains, func() { m.drain(conn, stream, ch) })
	}

	if conn.control != nil {
		if err := m.requestControl(ctx, conn); err != nil {
			conn.closing.Store(true)
			conn.control.Close()
			m.unsubscribeAll(conn)
			return abort(fmt.Errorf("%w: request control on %s: %w", ErrConnectionFailure, name, err))
		}
	}

	target.conn = conn
	target.setState(SlotConnected)
	device := conn.describe(SlotConnected)
	m.logger.Printf("ConnectionManager: %s connected as %s", name, deviceType)
	m.pub.emit(EventDeviceConnected, device)
	return device, nil
}

// requestControl asks the trainer for control. Only a failed write is an
// error: a refusal or a missing answer leaves the trainer connected without
// control.
func (m *ConnectionManager) requestControl(ctx context.Context, conn *connection) error {
	_, err := conn.control.Send(ctx, gatt.RequestControl())
	var resultErr *ControlResultError
	switch {
	case err == nil:
		conn.controlGranted.Store(true)
		return nil
	case errors.As(err, &resultErr):
		m.logger.Printf("ConnectionManager: %s refused control: %s", conn.name, resultErr.Result)
		return nil
	case ctx.Err() != nil:
		m.logger.Printf("ConnectionManager: No control response from %s: %v", conn.name, ctx.Err())
		return nil
	default:
		return err
	}
}

// unsubscribeAll unsubscribes conn's streams in reverse subscribe order.
// Failures are logged and do not stop the teardown.
func (m *ConnectionManager) unsubscribeAll(conn *connection) {
	for i := len(conn.streams) - 1; i >= 0; i-- {
		stream := conn.streams[i]
		if err := conn.peripheral.Unsubscribe(stream.ServiceUUID, stream.CharacteristicUUID); err != nil {
			m.logger.Printf("ConnectionManager: Unsubscribe %s on %s: %v", stream.DisplayName, conn.name, err)
		}
	}
}

// Disconnect tears down the connection of the device with id
func (m *ConnectionManager) Disconnect(id string) error {
	for _, s := range m.slots() {
		if found, err := m.disconnectSlot(s, id); found {
			return err
		}
	}
	return fmt.Errorf("%w: %s is not connected", ErrDeviceNotFound, id)
}

func (m *ConnectionManager) disconnectSlot(s *slot, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.id != id {
		return false, nil
	}
	m.logger.Printf("ConnectionManager: Disconnecting %s", s.conn.name)
	return true, m.teardownLocked(s)
}

// teardownLocked unsubscribes and disconnects the slot's connection and
// frees the slot. Caller holds s.mu.
func (m *ConnectionManager) teardownLocked(s *slot) error {
	conn := s.conn
	conn.closing.Store(true)

	s.setState(SlotUnsubscribing)
	m.unsubscribeAll(conn)
	if conn.control != nil {
		conn.control.Close()
	}

	s.setState(SlotDisconnecting)
	err := conn.peripheral.Disconnect()
	if err != nil {
		m.logger.Printf("ConnectionManager: Disconnect %s: %v", conn.name, err)
		err = fmt.Errorf("%w: disconnect %s: %w", ErrConnectionFailure, conn.name, err)
	}

	s.conn = nil
	s.setState(SlotDisconnected)
	m.pub.emit(EventDeviceDisconnected, conn.describe(SlotDisconnected))
	return err
}

// drain feeds one notification stream to the codecs until it ends. A stream
// that ends without a disconnect means the connection was lost.
func (m *ConnectionManager) drain(conn *connection, stream DataStream, ch <-chan []byte) {
	for buf := range ch {
		m.dispatch(conn, stream, buf)
	}

	if conn.closing.Load() {
		return
	}
	conn.lostOnce.Do(func() { m.connectionLost(conn) })
}

func (m *ConnectionManager) connectionLost(conn *connection) {
	s := m.slotOf(conn.slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return
	}
	m.logger.Printf("ConnectionManager: Lost connection to %s", conn.name)
	_ = m.teardownLocked(s)
}

func (m *ConnectionManager) dispatch(conn *connection, stream DataStream, buf []byte) {
	switch stream.ID {
	case StreamHeartRate:
		hr, err := gatt.DecodeHeartRate(buf)
		if err != nil {
			m.logParseError(conn, stream, buf, err)
			return
		}
		m.handler.handleHeartRate(conn.id, hr)

	case StreamIndoorBikeData:
		data, err := gatt.DecodeIndoorBikeData(buf)
		if err != nil {
			m.logParseError(conn, stream, buf, err)
			return
		}
		m.handler.handleBikeData(conn.id, data)

	case StreamFTMSStatus:
		status, err := gatt.DecodeStatus(buf)
		if err != nil {
			m.logParseError(conn, stream, buf, err)
			return
		}
		if status.Code == gatt.StatusControlPermissionLost {
			conn.controlGranted.Store(false)
		}
		m.handler.handleStatus(conn.id, status)

	case StreamFTMSControl:
		conn.control.HandleIndication(buf)
	}
}

// logParseError logs a dropped notification, at most a few times per
// interval for each stream
func (m *ConnectionManager) logParseError(conn *connection, stream DataStream, buf []byte, err error) {
	key := conn.id + "/" + string(stream.ID)
	pl, _ := m.parseLogs.LoadOrStore(key, &parseLog{
		limiter: rate.NewLimiter(rate.Every(parseLogInterval), parseLogBurst),
	})

	if !pl.limiter.Allow() {
		pl.suppressed.Add(1)
		return
	}
	if n := pl.suppressed.Swap(0); n > 0 {
		m.logger.Printf("ConnectionManager: Dropped %s from %s: %v (% X), %d similar suppressed", stream.DisplayName, conn.name, err, buf, n)
		return
	}
	m.logger.Printf("ConnectionManager: Dropped %s from %s: %v (% X)", stream.DisplayName, conn.name, err, buf)
}

// SendControl writes a control point request to the connected trainer and
// waits for its response
func (m *ConnectionManager) SendControl(ctx context.Context, req gatt.ControlRequest) (gatt.ControlResponse, error) {
	m.trainer.mu.RLock()
	conn := m.trainer.conn
	m.trainer.mu.RUnlock()

	if conn == nil {
		return gatt.ControlResponse{}, fmt.Errorf("%w: no trainer connected", ErrDeviceNotFound)
	}
	return conn.control.Send(ctx, req)
}

// ControlGranted reports whether the connected trainer granted control
func (m *ConnectionManager) ControlGranted() bool {
	m.trainer.mu.RLock()
	defer m.trainer.mu.RUnlock()
	return m.trainer.conn != nil && m.trainer.conn.controlGranted.Load()
}

// ConnectedDevices lists the occupied slots
func (m *ConnectionManager) ConnectedDevices() []ConnectedDevice {
	devices := make([]ConnectedDevice, 0, 2)
	for _, s := range m.slots() {
		s.mu.RLock()
		if s.conn != nil {
			devices = append(devices, s.conn.describe(s.getState()))
		}
		s.mu.RUnlock()
	}
	return devices
}

// SlotState returns the current state of a slot without waiting for an
// in-flight connect or disconnect
func (m *ConnectionManager) SlotState(kind SlotKind) SlotState {
	return m.slotOf(kind).getState()
}

// DisconnectAll tears down every connection
func (m *ConnectionManager) DisconnectAll() {
	for _, s := range m.slots() {
		s.mu.Lock()
		if s.conn != nil {
			_ = m.teardownLocked(s)
		}
		s.mu.Unlock()
	}
}

// Shutdown disconnects everything and waits for the drain goroutines
func (m *ConnectionManager) Shutdown() {
	m.logger.Printf("ConnectionManager: Shutting down")
	m.DisconnectAll()
	m.drains.Wait()
}
