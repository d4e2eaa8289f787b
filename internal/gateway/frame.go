package gateway

import (
	"encoding/json"
	"time"
)

// FrameType identifies the kind of frame sent over the WebSocket connection
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged with the shell. Requests carry a method
// and params, responses echo the request ID, events carry the engine event
// name and its timestamp.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	At      time.Time       `json:"at,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Code classifies Error so the shell does not have to parse messages
	Code string `json:"code,omitempty"`
}
