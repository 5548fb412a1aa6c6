// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package handler provides the callback interface that links the WebSocket
// servers to application logic.
//
// # Architecture Overview
//
// The Handler interface is the bridge between a server flavor (blocking
// goroutine-per-connection or cooperative event loop) and the application.
// The server owns the connection lifecycle — handshake, frame decoding,
// teardown — and calls the Handler at the three points the application
// cares about.
//
// # Data Flow
//
//	Client → Accept/Handshake → OnConnect (may reject)
//	Client → Frame decode     → OnMessage (per text message)
//	Client → EOF/close/error  → OnDisconnect (once per accepted session)
//
// # Error Semantics
//
// An error from OnConnect rejects the session before any message flows.
// An error from OnMessage ends that one session; the server logs it and
// keeps serving every other connection. An error from OnDisconnect is
// logged and ignored. A panic in any callback is recovered by the server
// and treated like an OnMessage error.
//
// # Session
//
// Callbacks receive a Session: the handler-facing view of the connection
// (identifier, peer address, Send, Close). Send and Close are safe to call
// from the callback; cooperative-loop sessions accept them from any
// goroutine.
//
// # Implementation
//
// Applications implement Handler to attach behavior to a server. The
// NoopHandler accepts everything and does nothing, which makes it a
// convenient embedding base when only one callback matters.
//
// # Example
//
//	type EchoHandler struct {
//		handler.NoopHandler
//	}
//
//	func (h *EchoHandler) OnMessage(ctx context.Context, sess handler.Session, msg string) error {
//		return sess.Send("Echo: " + msg)
//	}
package handler
