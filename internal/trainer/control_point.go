package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
)

var errControlClosed = errors.New("control point closed")

type pendingRequest struct {
	op       gatt.OpCode
	response chan gatt.ControlResponse
}

// ControlPoint correlates FTMS control point writes with their indications.
// At most one request is outstanding per connection; a second caller gets
// ErrControlBusy instead of queueing.
type ControlPoint struct {
	logger *log.Logger
	write  func(data []byte) error

	mu      sync.Mutex
	pending *pendingRequest
	closed  bool
}

// NewControlPoint creates a ControlPoint writing requests through write
func NewControlPoint(write func(data []byte) error, logger *log.Logger) *ControlPoint {
	if write == nil {
		panic("ControlPoint: write cannot be nil")
	}
	if logger == nil {
		panic("ControlPoint: logger cannot be nil")
	}
	return &ControlPoint{logger: logger, write: write}
}

// Send writes req and waits for the matching response. The wait has no
// timeout of its own; ctx bounds it. A non-Success result is returned
// together with a *ControlResultError.
func (c *ControlPoint) Send(ctx context.Context, req gatt.ControlRequest) (gatt.ControlResponse, error) {
	pending := &pendingRequest{op: req.OpCode, response: make(chan gatt.ControlResponse, 1)}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return gatt.ControlResponse{}, fmt.Errorf("%w: %s: %w", ErrWriteFailure, req.OpCode, errControlClosed)
	case c.pending != nil:
		busy := c.pending.op
		c.mu.Unlock()
		return gatt.ControlResponse{}, fmt.Errorf("%w: %s waiting on %s", ErrControlBusy, req.OpCode, busy)
	}
	c.pending = pending
	c.mu.Unlock()

	c.logger.Printf("ControlPoint: Writing %s", req)
	if err := c.write(req.Bytes()); err != nil {
		c.clear(pending)
		return gatt.ControlResponse{}, fmt.Errorf("%w: %s: %w", ErrWriteFailure, req.OpCode, err)
	}

	select {
	case resp, ok := <-pending.response:
		if !ok {
			return gatt.ControlResponse{}, fmt.Errorf("%w: %s: %w", ErrWriteFailure, req.OpCode, errControlClosed)
		}
		if !resp.Success() {
			return resp, &ControlResultError{OpCode: req.OpCode, Result: resp.Result}
		}
		return resp, nil
	case <-ctx.Done():
		c.clear(pending)
		return gatt.ControlResponse{}, fmt.Errorf("%w: %s: %w", ErrWriteFailure, req.OpCode, ctx.Err())
	}
}

func (c *ControlPoint) clear(p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == p {
		c.pending = nil
	}
}

// HandleIndication delivers a control point indication to the waiting
// request. Malformed payloads, unsolicited responses and responses echoing a
// different opcode are logged and dropped.
func (c *ControlPoint) HandleIndication(buf []byte) {
	resp, err := gatt.DecodeControlResponse(buf)
	if err != nil {
		c.logger.Printf("ControlPoint: Ignoring indication % X: %v", buf, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.pending == nil:
		c.logger.Printf("ControlPoint: Ignoring unsolicited response %s", resp)
	case c.pending.op != resp.RequestOpCode:
		c.logger.Printf("ControlPoint: Ignoring response %s while waiting on %s", resp, c.pending.op)
	default:
		c.pending.response <- resp
		c.pending = nil
	}
}

// Outstanding returns the opcode of the request awaiting a response, if any
func (c *ControlPoint) Outstanding() (gatt.OpCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	return c.pending.op, true
}

// Close fails any outstanding request and rejects further ones
func (c *ControlPoint) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.pending != nil {
		close(c.pending.response)
		c.pending = nil
	}
}
