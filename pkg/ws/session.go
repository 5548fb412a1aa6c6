// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package ws

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"
	"unicode/utf8"

	kerrors "github.com/KhagendraN/kn-sock/pkg/errors"
	"github.com/google/uuid"
)

// SessionConfig holds per-session options common to both roles.
type SessionConfig struct {
	// MaxPayload bounds the accepted frame payload size. Zero applies
	// DefaultMaxPayload.
	MaxPayload int64

	// Logger for session events. Defaults to slog.Default().
	Logger *slog.Logger
}

// ClientConfig holds the client-side upgrade and session options.
type ClientConfig struct {
	// Host is sent as the handshake Host header. Defaults to the
	// transport's remote address.
	Host string

	// Path is the request target of the upgrade request. Empty means "/".
	Path string

	// Header holds additional headers for the upgrade request.
	Header map[string]string

	// MaxPayload bounds the accepted frame payload size. Zero applies
	// DefaultMaxPayload.
	MaxPayload int64

	// Logger for session events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Session is a blocking WebSocket session over an established transport.
// Send and Close are safe for concurrent use. Recv must only be called
// from one goroutine at a time.
type Session struct {
	id         string
	conn       net.Conn
	br         *bufio.Reader
	client     bool
	remoteAddr string
	maxPayload int64
	logger     *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	open bool

	closeOnce sync.Once
}

// NewSession couples an already-negotiated transport into a session.
// br must be the reader used during the handshake (nil creates a fresh
// one); client selects the masking role for outgoing frames.
func NewSession(conn net.Conn, br *bufio.Reader, client bool, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if br == nil {
		br = bufio.NewReader(conn)
	}

	return &Session{
		id:         uuid.New().String(),
		conn:       conn,
		br:         br,
		client:     client,
		remoteAddr: conn.RemoteAddr().String(),
		maxPayload: cfg.MaxPayload,
		logger:     cfg.Logger,
		open:       true,
	}
}

// Accept performs the server side of the upgrade on an accepted transport
// and returns the established session.
func Accept(conn net.Conn, cfg SessionConfig) (*Session, error) {
	br := bufio.NewReader(conn)
	if _, err := ServerHandshake(br, conn); err != nil {
		return nil, err
	}
	return NewSession(conn, br, false, cfg), nil
}

// Connect performs the client side of the upgrade on a dialed transport
// and returns the established session.
func Connect(conn net.Conn, cfg ClientConfig) (*Session, error) {
	if cfg.Host == "" {
		cfg.Host = conn.RemoteAddr().String()
	}

	br := bufio.NewReader(conn)
	if err := ClientHandshake(br, conn, cfg); err != nil {
		return nil, err
	}
	return NewSession(conn, br, true, SessionConfig{MaxPayload: cfg.MaxPayload, Logger: cfg.Logger}), nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
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

// Send encodes msg as a single text frame and writes it. Client sessions
// mask the frame with a fresh random key.
func (s *Session) Send(msg string) error {
	if !s.Open() {
		return kerrors.ErrSessionClosed
	}

	f := Frame{Fin: true, Opcode: OpcodeText, Payload: []byte(msg)}
	if s.client {
		f.Masked = true
		f.MaskKey = NewMaskKey()
	}

	buf := Marshal(f)
	s.writeMu.Lock()
	_, err := s.conn.Write(buf)
	s.writeMu.Unlock()
	if err != nil {
		return kerrors.New("send", s.id, s.remoteAddr, err)
	}
	return nil
}

// Recv blocks until one full frame arrives and returns its text payload.
// It returns io.EOF once the peer has disconnected or sent a close frame,
// and after the session has been closed locally. Any protocol violation
// tears the session down and is returned wrapped with session context.
func (s *Session) Recv() (string, error) {
	if !s.Open() {
		return "", io.EOF
	}

	f, err := ReadFrame(s.br, s.maxPayload)
	if err != nil {
		if err == io.EOF {
			s.setClosed()
			return "", io.EOF
		}
		if !s.Open() {
			// Closed locally while blocked in the read.
			return "", io.EOF
		}
		s.teardown()
		return "", kerrors.New("recv", s.id, s.remoteAddr, err)
	}

	switch f.Opcode {
	case OpcodeText:
		if !utf8.Valid(f.Payload) {
			s.teardown()
			return "", kerrors.New("recv", s.id, s.remoteAddr, kerrors.ErrInvalidUTF8)
		}
		return string(f.Payload), nil
	case OpcodeClose:
		s.setClosed()
		return "", io.EOF
	default:
		s.teardown()
		return "", kerrors.New("recv", s.id, s.remoteAddr,
			kerrors.Wrap(kerrors.ErrUnexpectedOpcode, f.Opcode.String()))
	}
}

// Close sends a best-effort close frame, closes the transport, and marks
// the session closed. It is idempotent and always returns nil; a failed
// close-frame write is logged, never propagated.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setClosed()

		f := Frame{Fin: true, Opcode: OpcodeClose}
		if s.client {
			f.Masked = true
			f.MaskKey = NewMaskKey()
		}

		s.writeMu.Lock()
		_, err := s.conn.Write(Marshal(f))
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Debug("close frame not delivered",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("transport close failed",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}
	})
	return nil
}

// teardown closes the transport without the close-frame courtesy. Used on
// protocol errors where the stream is no longer trustworthy.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.setClosed()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("transport close failed",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}
	})
}
