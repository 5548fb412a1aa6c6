// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package handler

import (
	"context"
)

// Session is the view of a live WebSocket session that handlers receive.
// Both the blocking and the cooperative server flavors satisfy it.
type Session interface {
	// ID is the unique identifier assigned at handshake time.
	ID() string

	// RemoteAddr is the peer's network address.
	RemoteAddr() string

	// Send writes one text message to the peer.
	Send(msg string) error

	// Close ends the session. Safe to call from handler callbacks.
	Close() error
}

// Handler defines the lifecycle callbacks a server dispatches for each
// session. Implementations must not retain the Session beyond
// OnDisconnect.
//
// OnConnect is called once after a successful handshake and may reject
// the session by returning an error. OnMessage is called for every
// received text message; an error tears down that session only, never
// the server. OnDisconnect is called exactly once when the session ends,
// whether gracefully or through an error; its own error is logged and
// otherwise ignored.
type Handler interface {
	// OnConnect is called after the upgrade completes.
	// Return an error to reject the session.
	OnConnect(ctx context.Context, sess Session) error

	// OnMessage is called with each received text message.
	// Return an error to tear the session down.
	OnMessage(ctx context.Context, sess Session, msg string) error

	// OnDisconnect is called when the session ends.
	// This is a notification hook for cleanup, audit logging, or metrics.
	OnDisconnect(ctx context.Context, sess Session) error
}

// NoopHandler is a Handler implementation that accepts every session and
// ignores every message. Useful for testing or as an embedding base.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, sess Session) error {
	return nil
}

func (h *NoopHandler) OnMessage(ctx context.Context, sess Session, msg string) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, sess Session) error {
	return nil
}
