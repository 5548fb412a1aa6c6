// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness probes for kn-sock
// daemons.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status classifies the aggregate outcome of the registered probes.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// probeTimeout bounds a single HTTP-triggered probe run.
const probeTimeout = 5 * time.Second

// Probe checks one dependency. It should return quickly; the HTTP
// handlers bound each run with probeTimeout.
type Probe func(ctx context.Context) error

// Check is the recorded outcome of one probe run.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  float64   `json:"duration_ms"`
}

// report is the JSON body served by the HTTP handlers.
type report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// Checker runs registered probes and caches their outcomes for a TTL,
// so probe storms from orchestrators cannot hammer the dependencies
// being watched.
type Checker struct {
	mu     sync.Mutex
	probes map[string]Probe
	cache  map[string]Check
	ttl    time.Duration
}

// NewChecker creates a Checker whose probe outcomes stay cached for
// cacheTTL. A zero TTL defaults to 10 seconds.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		probes: make(map[string]Probe),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
	}
}

// Register adds a named probe. Registering the same name again replaces
// the probe and keeps any cached outcome until it expires.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Health runs every registered probe, serving cached outcomes that are
// still fresh, and reports the aggregate status. Any failing probe
// degrades the aggregate.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var checks []Check
	aggregate := StatusHealthy

	for name, probe := range c.probes {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			checks = append(checks, cached)
			if cached.Status != StatusHealthy {
				aggregate = StatusDegraded
			}
			continue
		}

		start := time.Now()
		err := probe(ctx)

		check := Check{
			Name:        name,
			Status:      StatusHealthy,
			LastChecked: time.Now(),
			DurationMS:  float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			aggregate = StatusDegraded
		}

		c.cache[name] = check
		checks = append(checks, check)
	}

	return aggregate, checks
}

// HTTPHandler serves the full health report. A degraded deployment
// still answers 200 so load balancers keep routing while operators
// investigate.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(report{Status: status, Checks: checks})
	}
}

// ReadinessHandler serves the readiness probe. Anything short of fully
// healthy answers 503 so the instance is pulled from rotation.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(report{Status: status, Checks: checks})
	}
}

// LivenessHandler reports that the process is up and serving HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(report{Status: StatusHealthy})
	}
}
