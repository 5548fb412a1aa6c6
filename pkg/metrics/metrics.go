// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus instrumentation for kn-sock.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the connection layer.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Message metrics
	MessagesTotal *prometheus.CounterVec
	MessageSize   *prometheus.HistogramVec

	// Connection pool metrics
	PoolIdleConnections *prometheus.GaugeVec
	PoolLentConnections *prometheus.GaugeVec
	PoolAcquiresTotal   *prometheus.CounterVec
	PoolAcquireDuration *prometheus.HistogramVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered on the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "knsock"
	}

	m := &Metrics{
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently open WebSocket sessions",
			},
			[]string{"flavor"},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of WebSocket sessions",
			},
			[]string{"flavor", "status"},
		),
		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"flavor"},
		),
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of text messages",
			},
			[]string{"direction"},
		),
		MessageSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Message payload size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"direction"},
		),
		PoolIdleConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_idle_connections",
				Help:      "Number of idle connections held by the pool",
			},
			[]string{"endpoint"},
		),
		PoolLentConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_lent_connections",
				Help:      "Number of pool connections lent to callers",
			},
			[]string{"endpoint"},
		),
		PoolAcquiresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquires_total",
				Help:      "Total number of pool acquisitions",
			},
			[]string{"endpoint", "status"},
		),
		PoolAcquireDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_duration_seconds",
				Help:      "Time spent waiting for a pool connection in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		GoroutinesActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
		MemoryAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}

	return m
}

// ObserveMessage records one text message in the given direction.
func (m *Metrics) ObserveMessage(direction string, size int) {
	m.MessagesTotal.WithLabelValues(direction).Inc()
	m.MessageSize.WithLabelValues(direction).Observe(float64(size))
}

// ObserveAcquire tracks one pool acquisition: wait duration and outcome.
func (m *Metrics) ObserveAcquire(endpoint string, f func() error) error {
	start := time.Now()
	err := f()
	m.PoolAcquireDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	m.PoolAcquiresTotal.WithLabelValues(endpoint, status).Inc()

	return err
}

// SetPoolStats records a snapshot of pool occupancy.
func (m *Metrics) SetPoolStats(endpoint string, idle, lent int) {
	m.PoolIdleConnections.WithLabelValues(endpoint).Set(float64(idle))
	m.PoolLentConnections.WithLabelValues(endpoint).Set(float64(lent))
}
