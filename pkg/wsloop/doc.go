// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package wsloop provides a cooperative WebSocket engine that serves many
// sessions from one goroutine.
//
// # Architecture Overview
//
// A Loop owns an epoll instance and every descriptor attached to it. All
// handshake parsing, frame decoding, frame writing, and handler callbacks
// run on the single goroutine driving Run. Nothing inside the loop ever
// blocks on a socket: reads happen when the poller reports data, writes
// drain a per-session queue when the socket can take them, and a peer
// that stops reading stalls only its own session.
//
// # Data Flow
//
//	AttachServer/AttachClient → descriptor joins the poller
//	readable                  → handshake bytes accumulate, then frames
//	handshake complete        → OnConnect (may reject)
//	text frame                → OnMessage
//	close frame, EOF, error   → OnDisconnect (once per connected session)
//	writable                  → pending frames drain
//
// # Relation to pkg/ws
//
// The loop shares the frame codec and handshake core with the blocking
// sessions in pkg/ws, so the bytes on the wire are identical for both
// engines and either side of a connection can use either one. The
// difference is purely the threading model: pkg/ws spends a goroutine per
// connection, wsloop multiplexes.
//
// # Concurrency
//
// Session.Send and Session.Close are safe from any goroutine. They post a
// command to the loop and wake it through an eventfd; the loop applies
// the command between polls. Handler callbacks must not block, or they
// stall every session on the loop.
//
// Linux only. On other platforms NewLoop returns ErrUnsupported.
package wsloop
