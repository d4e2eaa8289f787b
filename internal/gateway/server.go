package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

const (
	clientSendBuffer = 64
	writeTimeout     = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// RPCHandler handles a single RPC method call
type RPCHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// EventSource is where the gateway picks up engine events
type EventSource interface {
	Listen(fn func(trainer.Event)) func()
}

var _ EventSource = (*trainer.EventBus)(nil)

// clientConn tracks a single WebSocket connection
type clientConn struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server exposes the engine commands as RPC methods over a WebSocket and
// forwards every engine event to the connected clients
type Server struct {
	events EventSource
	logger *log.Logger
	addr   string

	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler

	clients sync.Map // id -> *clientConn
	nextID  atomic.Uint64

	// dropLog throttles the slow client warnings
	dropLog *rate.Limiter

	mu          sync.Mutex
	httpSrv     *http.Server
	boundAddr   string
	unsubscribe func()
	ready       chan struct{}
}

func NewServer(events EventSource, addr string, logger *log.Logger) *Server {
	if events == nil {
		panic("Gateway: event source cannot be nil")
	}
	if logger == nil {
		panic("Gateway: logger cannot be nil")
	}
	return &Server{
		events:   events,
		logger:   logger,
		addr:     addr,
		handlers: make(map[string]RPCHandler),
		dropLog:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		ready:    make(chan struct{}),
	}
}

// RegisterHandler adds an RPC handler for the given method name
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = handler
}

// Methods returns the registered method names
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	return methods
}

// Start accepts WebSocket connections on /ws. It blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpSrv = httpSrv
	s.boundAddr = listener.Addr().String()
	s.unsubscribe = s.events.Listen(s.forward)
	s.mu.Unlock()
	close(s.ready)

	s.logger.Printf("Gateway: Listening on %s", listener.Addr())

	stopped := make(chan struct{})
	defer close(stopped)
	go_func_utils.SafeGo(s.logger, func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(context.Background())
		case <-stopped:
		}
	})

	if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Ready is closed once Start has bound its listener
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// BoundAddr returns the address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop closes every client connection and shuts the HTTP server down.
// Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	httpSrv := s.httpSrv
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		s.logger.Printf("Gateway: Shutting down")
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		_ = cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// forward queues an engine event on every client. A client whose queue is
// full misses the event.
func (s *Server) forward(e trainer.Event) {
	frame := Frame{Type: FrameTypeEvent, Event: e.Name, At: e.At}
	if e.Payload != nil {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			s.logger.Printf("Gateway: Cannot encode %s event: %v", e.Name, err)
			return
		}
		frame.Payload = payload
	}

	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			if s.dropLog.Allow() {
				s.logger.Printf("Gateway: Dropped %s event for slow client %d", e.Name, cc.id)
			}
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Printf("Gateway: WebSocket accept failed: %v", err)
		return
	}

	cc := &clientConn{
		id:     s.nextID.Add(1),
		ws:     ws,
		sendCh: make(chan Frame, clientSendBuffer),
		done:   make(chan struct{}),
	}
	s.clients.Store(cc.id, cc)
	s.logger.Printf("Gateway: Client %d connected from %s", cc.id, r.RemoteAddr)

	go_func_utils.SafeGo(s.logger, func() { s.writeLoop(cc) })
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(cc.id)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Gateway: Client %d disconnected", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go_func_utils.SafeGo(s.logger, func() { s.dispatchRPC(ctx, cc, frame) })
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, fmt.Errorf("%w: %q", ErrMethodNotFound, req.Method))
		return
	}

	result, err := handler(ctx, req.Payload)
	if err != nil {
		s.logger.Printf("Gateway: %s failed: %v", req.Method, err)
	}
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = errorCode(err)
	}
	select {
	case cc.sendCh <- resp:
	case <-cc.done:
	default:
		s.logger.Printf("Gateway: Dropped response %d for slow client %d", id, cc.id)
	}
}
