package gatt

import "errors"

var (
	// ErrParse marks a malformed or truncated payload
	ErrParse = errors.New("parse error")

	// ErrProtocol marks a payload that is well formed but violates the
	// request/response rules (wrong marker, unknown opcode or result)
	ErrProtocol = errors.New("protocol error")
)
