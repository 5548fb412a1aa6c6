// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package wsloop

import (
	"os"
	"sync"

	"github.com/eapache/queue"

	kerrors "github.com/KhagendraN/kn-sock/pkg/errors"
	"github.com/KhagendraN/kn-sock/pkg/handler"
	knws "github.com/KhagendraN/kn-sock/pkg/ws"
)

type stage int

const (
	stageHandshake stage = iota
	stageOpen
	stageClosed
)

// Session is one WebSocket connection owned by a Loop. All descriptor I/O
// and all parsing happen on the loop goroutine; Send and Close only
// schedule work there and are safe from any goroutine, handler callbacks
// included.
type Session struct {
	id     string
	loop   *Loop
	fd     int
	file   *os.File
	remote string
	client bool

	// Owned by the loop goroutine.
	stage      stage
	connected  bool
	maxPayload int64
	hsBuf      []byte
	hsKey      string
	readBuf    []byte
	pending    *queue.Queue
	pendingOff int
	wantWrite  bool
	deferred   []string

	mu   sync.Mutex
	open bool
}

var _ handler.Session = (*Session)(nil)

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.remote
}

// Open reports whether the session is still usable. It transitions to
// false exactly once and never back.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Session) setClosed() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
}

// Send queues msg as a single text frame. Delivery is asynchronous:
// queueing succeeds whenever the session is still open, messages go out
// in Send order, and a write failure later tears the session down.
// Messages sent while the handshake is still in flight are held back and
// go out once it completes.
func (s *Session) Send(msg string) error {
	if !s.Open() {
		return kerrors.ErrSessionClosed
	}

	err := s.loop.post(func() {
		switch s.stage {
		case stageClosed:
			// Lost the race against a teardown; nothing to deliver to.
		case stageHandshake:
			s.deferred = append(s.deferred, msg)
		default:
			s.enqueueText(msg)
			if err := s.loop.flushSession(s); err != nil {
				s.loop.teardownSession(s, err)
			}
		}
	})
	if err != nil {
		return kerrors.ErrSessionClosed
	}
	return nil
}

// Close marks the session closed immediately and schedules the graceful
// teardown, close frame included, on the loop. It is idempotent and
// always returns nil.
func (s *Session) Close() error {
	s.setClosed()
	s.loop.post(func() { s.loop.closeSession(s) })
	return nil
}

// enqueueText appends the wire encoding of a text frame to the pending
// write queue. Client sessions mask with a fresh random key.
func (s *Session) enqueueText(msg string) {
	f := knws.Frame{Fin: true, Opcode: knws.OpcodeText, Payload: []byte(msg)}
	if s.client {
		f.Masked = true
		f.MaskKey = knws.NewMaskKey()
	}
	s.pending.Add(knws.Marshal(f))
}

// enqueueClose appends the wire encoding of an empty close frame.
func (s *Session) enqueueClose() {
	f := knws.Frame{Fin: true, Opcode: knws.OpcodeClose}
	if s.client {
		f.Masked = true
		f.MaskKey = knws.NewMaskKey()
	}
	s.pending.Add(knws.Marshal(f))
}
