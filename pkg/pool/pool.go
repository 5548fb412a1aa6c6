// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package pool provides client-side connection pooling with bounded
// capacity and lazy idle eviction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// ErrAcquireTimeout is returned when AcquireTimeout elapses before a
// connection becomes available.
var ErrAcquireTimeout = errors.New("timed out waiting for a pooled connection")

// Config holds connection pool configuration.
type Config struct {
	// MaxSize is the maximum number of connections lent out at once.
	// Defaults to 5.
	MaxSize int

	// IdleTimeout is how long a returned connection may sit idle before
	// the next Acquire evicts it. Defaults to 30 seconds.
	IdleTimeout time.Duration

	// AcquireTimeout bounds the wait when the pool is at capacity.
	// Zero waits indefinitely.
	AcquireTimeout time.Duration
}

// DialFunc is a function that creates a new connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

type idleConn struct {
	conn   net.Conn
	idleAt time.Time
}

// waiter is one blocked Acquire call. Its channel carries a direct
// handoff from Release; a closed channel tells the waiter to re-evaluate
// the pool from scratch.
type waiter struct {
	ch        chan net.Conn
	abandoned bool
}

// Pool is a connection pool. Acquire blocks while MaxSize connections are
// lent out; blocked callers are admitted oldest-first as connections are
// released.
type Pool struct {
	dial DialFunc
	cfg  Config

	mu      sync.Mutex
	idle    []idleConn
	lent    int
	waiters *queue.Queue

	// now is read for idle timestamps; tests substitute it.
	now func() time.Time
}

// New creates a new connection pool around dial.
func New(dial DialFunc, cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	return &Pool{
		dial:    dial,
		cfg:     cfg,
		waiters: queue.New(),
		now:     time.Now,
	}
}

// Acquire returns a pooled connection, preferring the most recently
// returned idle one. With no idle connection and MaxSize already lent it
// blocks until a release hands one over, the context is cancelled, or
// AcquireTimeout elapses. Expired idle connections are swept on every
// call; no background reaper exists. Dial failures propagate to the
// caller and do not occupy capacity.
func (p *Pool) Acquire(ctx context.Context) (net.Conn, error) {
	var timerC <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timerC = timer.C
	}

	for {
		p.mu.Lock()
		p.evictExpired()

		if n := len(p.idle); n > 0 {
			ic := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.lent++
			p.mu.Unlock()
			return ic.conn, nil
		}

		if p.lent < p.cfg.MaxSize {
			p.lent++
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				if p.lent > 0 {
					p.lent--
				}
				p.mu.Unlock()
				return nil, fmt.Errorf("failed to dial: %w", err)
			}
			return conn, nil
		}

		w := &waiter{ch: make(chan net.Conn, 1)}
		p.waiters.Add(w)
		p.mu.Unlock()

		select {
		case conn, ok := <-w.ch:
			if !ok {
				// Pool was reset under us; start over.
				continue
			}
			return conn, nil
		case <-ctx.Done():
			return nil, p.abandon(w, ctx.Err())
		case <-timerC:
			return nil, p.abandon(w, ErrAcquireTimeout)
		}
	}
}

// abandon withdraws w from the admission queue. A handoff that raced the
// withdrawal is pushed back into the pool.
func (p *Pool) abandon(w *waiter, cause error) error {
	p.mu.Lock()
	w.abandoned = true
	p.mu.Unlock()

	select {
	case conn, ok := <-w.ch:
		if ok {
			p.Release(conn)
		}
	default:
	}
	return cause
}

// Release returns a connection to the pool. The oldest blocked Acquire
// receives it directly; otherwise it joins the idle set with a fresh
// timestamp. Release never closes the connection.
func (p *Pool) Release(conn net.Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	for p.waiters.Length() > 0 {
		w := p.waiters.Remove().(*waiter)
		if w.abandoned {
			continue
		}
		w.ch <- conn
		p.mu.Unlock()
		return
	}

	if p.lent > 0 {
		p.lent--
	}
	p.idle = append(p.idle, idleConn{conn: conn, idleAt: p.now()})
	p.mu.Unlock()
}

// CloseAll closes every idle connection, empties the idle set, and resets
// the lent counter. Connections currently lent out are not touched; the
// pool stays usable and subsequent acquires dial fresh connections. Blocked
// acquires are woken to re-evaluate.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ic := range p.idle {
		ic.conn.Close()
	}
	p.idle = nil
	p.lent = 0

	for p.waiters.Length() > 0 {
		w := p.waiters.Remove().(*waiter)
		if !w.abandoned {
			close(w.ch)
		}
	}
}

// Stats returns the current idle and lent connection counts.
func (p *Pool) Stats() (idle, lent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.lent
}

// evictExpired closes and drops idle connections aged IdleTimeout or
// more. The idle set is ordered by return time, so expired entries form a
// prefix. Callers must hold p.mu.
func (p *Pool) evictExpired() {
	now := p.now()

	i := 0
	for i < len(p.idle) && now.Sub(p.idle[i].idleAt) >= p.cfg.IdleTimeout {
		p.idle[i].conn.Close()
		i++
	}
	if i > 0 {
		rest := p.idle[i:]
		copy(p.idle, rest)
		p.idle = p.idle[:len(rest)]
	}
}
