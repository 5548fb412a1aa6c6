// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KhagendraN/kn-sock/pkg/handler"
	"github.com/KhagendraN/kn-sock/pkg/metrics"
)

var _ handler.Handler = (*InstrumentedHandler)(nil)

// InstrumentedHandler wraps a handler with metrics instrumentation.
// Sessions, message counts, and payload sizes are recorded per server
// flavor without touching the wrapped handler's behavior.
type InstrumentedHandler struct {
	handler handler.Handler
	flavor  string
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	started map[string]time.Time
}

// NewInstrumentedHandler wraps h for the given server flavor.
func NewInstrumentedHandler(h handler.Handler, flavor string, m *metrics.Metrics, logger *slog.Logger) *InstrumentedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstrumentedHandler{
		handler: h,
		flavor:  flavor,
		metrics: m,
		logger:  logger,
		started: make(map[string]time.Time),
	}
}

// OnConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, sess handler.Session) error {
	if err := h.handler.OnConnect(ctx, sess); err != nil {
		h.metrics.SessionsTotal.WithLabelValues(h.flavor, "rejected").Inc()
		return err
	}

	h.mu.Lock()
	h.started[sess.ID()] = time.Now()
	h.mu.Unlock()

	h.metrics.ActiveSessions.WithLabelValues(h.flavor).Inc()
	h.metrics.SessionsTotal.WithLabelValues(h.flavor, "accepted").Inc()
	return nil
}

// OnMessage implements handler.Handler with metrics. Replies the
// wrapped handler sends through sess count toward the out direction.
func (h *InstrumentedHandler) OnMessage(ctx context.Context, sess handler.Session, msg string) error {
	h.metrics.ObserveMessage("in", len(msg))
	return h.handler.OnMessage(ctx, &countingSession{Session: sess, metrics: h.metrics}, msg)
}

// OnDisconnect implements handler.Handler with metrics. Sessions the
// wrapped handler rejected at OnConnect carry no start time and leave
// the gauges untouched.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, sess handler.Session) error {
	h.mu.Lock()
	started, ok := h.started[sess.ID()]
	delete(h.started, sess.ID())
	h.mu.Unlock()

	if ok {
		h.metrics.ActiveSessions.WithLabelValues(h.flavor).Dec()
		h.metrics.SessionDuration.WithLabelValues(h.flavor).Observe(time.Since(started).Seconds())
	}

	return h.handler.OnDisconnect(ctx, sess)
}

// countingSession records outbound messages written by the wrapped
// handler.
type countingSession struct {
	handler.Session
	metrics *metrics.Metrics
}

func (s *countingSession) Send(msg string) error {
	err := s.Session.Send(msg)
	if err == nil {
		s.metrics.ObserveMessage("out", len(msg))
	}
	return err
}
