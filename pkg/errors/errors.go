// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package errors provides structured error handling for kn-sock.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrHandshakeFailed indicates the WebSocket upgrade did not complete.
	ErrHandshakeFailed = errors.New("websocket handshake failed")

	// ErrMissingKey indicates an upgrade request without Sec-WebSocket-Key.
	ErrMissingKey = errors.New("missing Sec-WebSocket-Key header")

	// ErrBadStatus indicates a handshake response other than 101.
	ErrBadStatus = errors.New("unexpected handshake status")

	// ErrAcceptMismatch indicates a Sec-WebSocket-Accept that does not match the sent key.
	ErrAcceptMismatch = errors.New("Sec-WebSocket-Accept mismatch")

	// ErrMalformedFrame indicates a frame that violates the wire format.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge indicates a declared payload above the configured limit.
	ErrFrameTooLarge = errors.New("frame payload exceeds limit")

	// ErrInvalidUTF8 indicates a text frame whose payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid UTF-8 in text frame")

	// ErrUnexpectedOpcode indicates a frame type outside the supported set.
	ErrUnexpectedOpcode = errors.New("unexpected opcode")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// SessionError wraps an error with session context.
type SessionError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
