// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package wsloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	kerrors "github.com/KhagendraN/kn-sock/pkg/errors"
	"github.com/KhagendraN/kn-sock/pkg/handler"
	knws "github.com/KhagendraN/kn-sock/pkg/ws"
)

var (
	// ErrUnsupported is returned by NewLoop on platforms without epoll.
	ErrUnsupported = errors.New("wsloop: not supported on this platform")

	// ErrLoopClosed is returned when attaching to a loop that has stopped.
	ErrLoopClosed = errors.New("wsloop: loop closed")
)

// errAgain marks a descriptor operation that would block. The loop parks
// the work until the poller reports readiness again.
var errAgain = errors.New("wsloop: operation would block")

// maxHandshakeBytes bounds how much header data a peer may send before
// the end-of-headers delimiter.
const maxHandshakeBytes = 8 << 10

// event is one readiness notification translated from the platform poller.
type event struct {
	fd       int
	readable bool
	writable bool
}

// Config holds the event-loop options.
type Config struct {
	// Handler receives session lifecycle callbacks. All callbacks run on
	// the loop goroutine. Defaults to handler.NoopHandler.
	Handler handler.Handler

	// MaxPayload bounds the accepted frame payload size. Zero applies
	// ws.DefaultMaxPayload.
	MaxPayload int64

	// Logger for loop and session events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Loop multiplexes WebSocket sessions over a single goroutine driven by
// the platform poller. Handshakes, frame reads, and frame writes all
// progress only when their descriptor is ready, so one stalled peer
// never blocks the rest. Wire behavior matches the blocking sessions in
// pkg/ws frame for frame.
type Loop struct {
	handler    handler.Handler
	maxPayload int64
	logger     *slog.Logger

	poller *poller

	mu       sync.Mutex
	commands *queue.Queue
	closed   bool

	// Owned by the loop goroutine.
	ctx      context.Context
	sessions map[int]*Session
	scratch  []byte
	stopping bool

	done chan struct{}
}

// NewLoop creates an event loop with the given configuration. On
// platforms without epoll it returns ErrUnsupported.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = knws.DefaultMaxPayload
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	return &Loop{
		handler:    cfg.Handler,
		maxPayload: cfg.MaxPayload,
		logger:     cfg.Logger,
		poller:     p,
		commands:   queue.New(),
		sessions:   make(map[int]*Session),
		scratch:    make([]byte, 32<<10),
		done:       make(chan struct{}),
	}, nil
}

// Run drives the loop on the calling goroutine until ctx is cancelled.
// Every handler callback and every descriptor operation happens here. On
// cancellation all remaining sessions are closed gracefully, close frame
// and OnDisconnect included, and Run returns nil. Run must be called
// exactly once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	l.ctx = ctx

	go func() {
		select {
		case <-ctx.Done():
			l.post(func() { l.stopping = true })
		case <-l.done:
		}
	}()

	l.logger.Info("event loop started")

	events := make([]event, 128)
	for {
		l.runCommands()

		if l.stopping {
			l.teardownAll()
			l.shutdownPoller()
			l.logger.Info("event loop stopped")
			return nil
		}

		n, err := l.poller.wait(events)
		if err != nil {
			l.teardownAll()
			l.shutdownPoller()
			return fmt.Errorf("polling for events: %w", err)
		}
		for i := 0; i < n; i++ {
			l.dispatch(events[i])
		}
	}
}

// shutdownPoller rejects further posts and releases the poller
// descriptors. Holding the mutex across the close keeps a concurrent
// post from waking a descriptor that is already gone.
func (l *Loop) shutdownPoller() {
	l.mu.Lock()
	l.closed = true
	l.poller.close()
	l.mu.Unlock()
}

// post schedules fn on the loop goroutine and wakes a blocked wait.
func (l *Loop) post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoopClosed
	}
	l.commands.Add(fn)
	if err := l.poller.wake(); err != nil {
		l.logger.Debug("loop wake failed", slog.String("error", err.Error()))
	}
	return nil
}

func (l *Loop) runCommands() {
	for {
		l.mu.Lock()
		if l.commands.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.commands.Remove().(func())
		l.mu.Unlock()
		fn()
	}
}

// AttachServer transfers ownership of an accepted transport to the loop
// and starts the server side of the upgrade. conn must not be touched by
// the caller afterwards. The returned session becomes visible to the
// handler through OnConnect once the handshake completes.
func (l *Loop) AttachServer(conn *net.TCPConn) (*Session, error) {
	return l.attach(conn, false, knws.ClientConfig{})
}

// AttachClient transfers ownership of a dialed transport to the loop and
// starts the client side of the upgrade. cfg.Logger is ignored; the
// loop's logger governs.
func (l *Loop) AttachClient(conn *net.TCPConn, cfg knws.ClientConfig) (*Session, error) {
	return l.attach(conn, true, cfg)
}

func (l *Loop) attach(conn *net.TCPConn, client bool, cfg knws.ClientConfig) (*Session, error) {
	remote := conn.RemoteAddr().String()
	if client && cfg.Host == "" {
		cfg.Host = remote
	}

	maxPayload := l.maxPayload
	if client && cfg.MaxPayload > 0 {
		maxPayload = cfg.MaxPayload
	}

	fd, file, err := prepareConn(conn)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         uuid.New().String(),
		loop:       l,
		fd:         fd,
		file:       file,
		remote:     remote,
		client:     client,
		stage:      stageHandshake,
		maxPayload: maxPayload,
		pending:    queue.New(),
		open:       true,
	}

	err = l.post(func() { l.register(s, cfg) })
	if err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

// register wires a freshly attached session into the poller and, for
// clients, sends the upgrade request. Runs on the loop goroutine.
func (l *Loop) register(s *Session, cfg knws.ClientConfig) {
	if err := l.poller.add(s.fd, false); err != nil {
		l.logger.Error("failed to register session",
			slog.String("remote", s.remote),
			slog.String("error", err.Error()))
		s.stage = stageClosed
		s.setClosed()
		s.file.Close()
		return
	}
	l.sessions[s.fd] = s

	if s.client {
		s.hsKey = knws.NewKey()
		s.pending.Add(knws.BuildUpgradeRequest(cfg.Host, cfg.Path, s.hsKey, cfg.Header))
		if err := l.flushSession(s); err != nil {
			l.teardownSession(s, err)
			return
		}
	}

	l.logger.Debug("session attached",
		slog.String("session", s.id),
		slog.String("remote", s.remote))
}

func (l *Loop) dispatch(ev event) {
	s, ok := l.sessions[ev.fd]
	if !ok {
		// Stale event for a descriptor torn down earlier this batch.
		return
	}

	if ev.readable {
		l.readSession(s)
	}
	if ev.writable && s.stage != stageClosed {
		if err := l.flushSession(s); err != nil {
			l.teardownSession(s, err)
		}
	}
}

// readSession pulls whatever the descriptor has ready and feeds it to the
// stage parser. The poller reports again if more bytes remain.
func (l *Loop) readSession(s *Session) {
	n, err := readFD(s.fd, l.scratch)
	if n > 0 {
		l.feed(s, l.scratch[:n])
	}
	if s.stage == stageClosed || err == nil || err == errAgain {
		return
	}

	if err == io.EOF {
		if s.stage == stageHandshake {
			l.teardownSession(s, fmt.Errorf("%w: connection ended before end of headers", kerrors.ErrHandshakeFailed))
			return
		}
		// Peer went away without a close frame.
		l.teardownSession(s, nil)
		return
	}
	l.teardownSession(s, kerrors.New("recv", s.id, s.remote, err))
}

func (l *Loop) feed(s *Session, data []byte) {
	switch s.stage {
	case stageHandshake:
		l.feedHandshake(s, data)
	case stageOpen:
		l.feedFrames(s, data)
	}
}

// feedHandshake accumulates header bytes until the end-of-headers
// delimiter, completes the upgrade for this session's role, and hands
// any bytes past the delimiter to the frame parser.
func (l *Loop) feedHandshake(s *Session, data []byte) {
	s.hsBuf = append(s.hsBuf, data...)

	idx := bytes.Index(s.hsBuf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(s.hsBuf) > maxHandshakeBytes {
			l.teardownSession(s, fmt.Errorf("%w: header block exceeds %d bytes", kerrors.ErrHandshakeFailed, maxHandshakeBytes))
		}
		return
	}

	block := s.hsBuf[:idx+4]
	rest := s.hsBuf[idx+4:]

	if s.client {
		if err := knws.ParseUpgradeResponse(block, s.hsKey); err != nil {
			l.teardownSession(s, err)
			return
		}
	} else {
		res, err := knws.ParseUpgradeRequest(block)
		if err != nil {
			l.teardownSession(s, err)
			return
		}
		s.pending.Add(knws.AppendAcceptResponse(nil, res.AcceptKey))
	}

	s.hsBuf = nil
	s.stage = stageOpen

	if err := l.flushSession(s); err != nil {
		l.teardownSession(s, err)
		return
	}

	l.logger.Debug("session established",
		slog.String("session", s.id),
		slog.String("client", s.remote))

	if err := l.onConnect(s); err != nil {
		l.logger.Debug("session ended with error",
			slog.String("remote", s.remote),
			slog.String("error", fmt.Sprintf("session rejected: %v", err)))
		l.closeSession(s)
		return
	}
	s.connected = true

	// Sends deferred during the handshake go out before any incoming
	// frames are parsed.
	for _, msg := range s.deferred {
		s.enqueueText(msg)
	}
	s.deferred = nil
	if err := l.flushSession(s); err != nil {
		l.teardownSession(s, err)
		return
	}

	if len(rest) > 0 && s.stage == stageOpen {
		l.feedFrames(s, rest)
	}
}

// feedFrames appends data to the session's receive buffer and dispatches
// every complete frame in arrival order. Parsing stops as soon as the
// session leaves the open stage.
func (l *Loop) feedFrames(s *Session, data []byte) {
	s.readBuf = append(s.readBuf, data...)

	for s.stage == stageOpen && s.Open() {
		f, consumed, err := knws.DecodeFrame(s.readBuf, s.maxPayload)
		if err != nil {
			l.teardownSession(s, kerrors.New("recv", s.id, s.remote, err))
			return
		}
		if consumed == 0 {
			return
		}
		s.readBuf = append(s.readBuf[:0], s.readBuf[consumed:]...)

		switch f.Opcode {
		case knws.OpcodeText:
			if !utf8.Valid(f.Payload) {
				l.teardownSession(s, kerrors.New("recv", s.id, s.remote, kerrors.ErrInvalidUTF8))
				return
			}
			if err := l.onMessage(s, string(f.Payload)); err != nil {
				l.logger.Debug("session ended with error",
					slog.String("remote", s.remote),
					slog.String("error", fmt.Sprintf("message handler: %v", err)))
				l.closeSession(s)
				return
			}
		case knws.OpcodeClose:
			l.closeSession(s)
			return
		default:
			l.teardownSession(s, kerrors.New("recv", s.id, s.remote,
				kerrors.Wrap(kerrors.ErrUnexpectedOpcode, f.Opcode.String())))
			return
		}
	}
}

// flushSession writes pending bytes until the descriptor stops taking
// them, arming write interest when a backlog remains.
func (l *Loop) flushSession(s *Session) error {
	for s.pending.Length() > 0 {
		buf := s.pending.Peek().([]byte)
		n, err := writeFD(s.fd, buf[s.pendingOff:])
		s.pendingOff += n
		if s.pendingOff == len(buf) {
			s.pending.Remove()
			s.pendingOff = 0
			continue
		}
		if err == errAgain {
			return l.setWriteInterest(s, true)
		}
		if err != nil {
			return kerrors.New("send", s.id, s.remote, err)
		}
	}
	return l.setWriteInterest(s, false)
}

func (l *Loop) setWriteInterest(s *Session, want bool) error {
	if s.wantWrite == want {
		return nil
	}
	if err := l.poller.modify(s.fd, want); err != nil {
		return fmt.Errorf("updating write interest: %w", err)
	}
	s.wantWrite = want
	return nil
}

// teardownSession drops the session without the close-frame courtesy.
// Used on protocol and transport errors where the stream is no longer
// trustworthy; a nil reason means the peer simply went away.
func (l *Loop) teardownSession(s *Session, reason error) {
	if s.stage == stageClosed {
		return
	}
	if reason != nil {
		l.logger.Debug("session ended with error",
			slog.String("remote", s.remote),
			slog.String("error", reason.Error()))
	}
	l.unregister(s)
}

// closeSession is the graceful teardown: a close frame is offered to the
// peer before the descriptor goes away. Whatever the socket does not
// take immediately is dropped.
func (l *Loop) closeSession(s *Session) {
	if s.stage == stageClosed {
		return
	}
	s.enqueueClose()
	l.flushSession(s)
	l.unregister(s)
}

// unregister removes the session from the poller and fires OnDisconnect
// for sessions that had completed OnConnect.
func (l *Loop) unregister(s *Session) {
	s.stage = stageClosed
	s.setClosed()
	delete(l.sessions, s.fd)
	l.poller.remove(s.fd)
	s.file.Close()

	if s.connected {
		if err := l.onDisconnect(s); err != nil {
			l.logger.Error("disconnect handler error",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}
	}

	l.logger.Debug("session closed",
		slog.String("session", s.id))
}

func (l *Loop) teardownAll() {
	for _, s := range l.sessions {
		l.closeSession(s)
	}
}

func (l *Loop) onConnect(s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect handler panic: %v", r)
		}
	}()
	return l.handler.OnConnect(l.ctx, s)
}

func (l *Loop) onMessage(s *Session, msg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.handler.OnMessage(l.ctx, s, msg)
}

func (l *Loop) onDisconnect(s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disconnect handler panic: %v", r)
		}
	}()
	return l.handler.OnDisconnect(context.Background(), s)
}
