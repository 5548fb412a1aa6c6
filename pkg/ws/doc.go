// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package ws implements the kn-sock WebSocket engine: the RFC 6455 frame
// codec, the HTTP Upgrade handshake for both roles, and a blocking session
// type built on top of them.
//
// # Scope
//
// The engine speaks the single-frame text subset of RFC 6455: every
// message is one frame with FIN set, opcode 0x1 (text) or 0x8 (close).
// Continuation frames, ping/pong keepalive, extensions, and per-message
// compression are out of scope. Close frames carry no payload on the way
// out; inbound close frames of any shape end the stream.
//
// # Frame Layout
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |           (16/64)             |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|  Masking-key (if MASK set)    |          Payload Data         |
//	+-------------------------------+-------------------------------+
//
// Senders pick the minimal length representation. Client-role sessions
// mask every outgoing frame with a fresh random key; server-role sessions
// send unmasked. Decoders honor the MASK bit regardless of role.
//
// # Codec Entry Points
//
// Two decoders share the same wire rules:
//
//   - ReadFrame blocks on an io.Reader until one frame is complete. Used
//     by the blocking Session.
//   - DecodeFrame parses from a byte buffer and reports how many bytes it
//     consumed, returning a zero frame and zero count while the buffer is
//     still short. Used by the event-loop flavor in pkg/wsloop.
//
// # Handshake
//
// ServerHandshake and ClientHandshake run the Upgrade exchange over a
// bufio.Reader that the caller keeps for the life of the connection —
// bytes the reader buffered past the header block are the first frame
// bytes, so the reader must never be discarded after the handshake. The
// client verifies the returned Sec-WebSocket-Accept against its key.
// The pure Parse/Build functions underneath are shared with pkg/wsloop so
// both flavors negotiate byte-identically.
//
// # Session
//
//	sess, err := ws.Accept(conn, ws.SessionConfig{})   // server role
//	sess, err := ws.Connect(conn, ws.ClientConfig{})   // client role
//
//	for {
//		msg, err := sess.Recv()
//		if err != nil {
//			break // io.EOF on disconnect, protocol error otherwise
//		}
//		if err := sess.Send("Echo: " + msg); err != nil {
//			break
//		}
//	}
//	sess.Close()
//
// Recv returns io.EOF for every form of orderly end: peer disconnect,
// inbound close frame, or local Close. Close is idempotent, always
// returns nil, and sends its close frame best-effort.
package ws
