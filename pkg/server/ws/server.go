// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/KhagendraN/kn-sock/pkg/handler"
	knws "github.com/KhagendraN/kn-sock/pkg/ws"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// MaxPayload bounds accepted frame payloads. Zero applies the codec
	// default.
	MaxPayload int64

	// ShutdownTimeout is the maximum time to wait for active sessions to
	// drain during graceful shutdown. After this timeout, remaining
	// sessions are forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts TCP or TLS connections, upgrades each to a WebSocket
// session, and dispatches its messages to a handler. Every session runs
// on its own goroutine; one session's failure never reaches another.
type Server struct {
	config  Config
	handler handler.Handler
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new WebSocket server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:  cfg,
		handler: h,
	}
}

// Addr returns the bound listener address, or nil before Listen has
// bound it. Useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen starts the server and blocks until the context is cancelled.
// Cancellation closes the listener immediately; established sessions get
// ShutdownTimeout to drain before they are forced closed.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.config.Logger.Info("WebSocket server started", slog.String("address", listener.Addr().String()))

	// Sessions watch this context, not the accept context, so draining
	// and forced closure are separate steps.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("session ended with error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	// Wait for active sessions to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// handleConn upgrades a single accepted connection and runs its receive
// loop. Handler errors and panics end this session only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	// Complete the TLS handshake first so upgrade failures are
	// distinguishable from TLS failures.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	sess, err := knws.Accept(conn, knws.SessionConfig{
		MaxPayload: s.config.MaxPayload,
		Logger:     s.config.Logger,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("upgrade failed: %w", err)
	}

	s.config.Logger.Debug("session established",
		slog.String("session", sess.ID()),
		slog.String("client", sess.RemoteAddr()))

	// Force-close path for shutdown: closing the session unblocks Recv.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-sessionDone:
		}
	}()

	if err := s.onConnect(ctx, sess); err != nil {
		sess.Close()
		return fmt.Errorf("session rejected: %w", err)
	}

	loopErr := s.recvLoop(ctx, sess)
	sess.Close()

	if err := s.onDisconnect(sess); err != nil {
		s.config.Logger.Error("disconnect handler error",
			slog.String("session", sess.ID()),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("session closed",
		slog.String("session", sess.ID()))

	return loopErr
}

// recvLoop dispatches received messages until the peer disconnects, the
// session errors, or the handler fails.
func (s *Server) recvLoop(ctx context.Context, sess *knws.Session) error {
	for {
		msg, err := sess.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := s.onMessage(ctx, sess, msg); err != nil {
			return fmt.Errorf("message handler: %w", err)
		}
	}
}

func (s *Server) onConnect(ctx context.Context, sess *knws.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect handler panic: %v", r)
		}
	}()
	return s.handler.OnConnect(ctx, sess)
}

func (s *Server) onMessage(ctx context.Context, sess *knws.Session, msg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.OnMessage(ctx, sess, msg)
}

func (s *Server) onDisconnect(sess *knws.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disconnect handler panic: %v", r)
		}
	}()
	// Disconnect notifications run even when shutdown cancelled the
	// session context.
	return s.handler.OnDisconnect(context.Background(), sess)
}
