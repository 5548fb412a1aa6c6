// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (c *fakeConn) Write(b []byte) (int, error)        { return len(b), nil }
func (c *fakeConn) Close() error                       { c.closed.Store(true); return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	fail  error
	conns []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeConn{id: len(d.conns) + 1}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func TestPool_AcquireDialsWhenEmpty(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 2})

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if conn == nil {
		t.Fatal("Acquire() returned nil connection")
	}
	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1", d.dials())
	}

	idle, lent := p.Stats()
	if idle != 0 || lent != 1 {
		t.Errorf("Stats() = (%d, %d), want (0, 1)", idle, lent)
	}
}

func TestPool_ReleaseNeverCloses(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 2})

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(conn)

	if d.conns[0].closed.Load() {
		t.Error("Release() closed the connection")
	}
	idle, lent := p.Stats()
	if idle != 1 || lent != 0 {
		t.Errorf("Stats() = (%d, %d), want (1, 0)", idle, lent)
	}
}

func TestPool_ReusesMostRecentIdle(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 3})
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	p.Release(a)
	p.Release(b)

	got, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got != b {
		t.Error("Acquire() did not return the most recently released connection")
	}
	if d.dials() != 2 {
		t.Errorf("dials = %d, want 2", d.dials())
	}
}

func TestPool_IdleEviction(t *testing.T) {
	t.Run("under timeout reuses", func(t *testing.T) {
		d := &fakeDialer{}
		p := New(d.dial, Config{MaxSize: 2, IdleTimeout: 30 * time.Second})

		now := time.Now()
		p.now = func() time.Time { return now }

		conn, _ := p.Acquire(context.Background())
		p.Release(conn)

		now = now.Add(29 * time.Second)
		got, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if got != conn {
			t.Error("idle connection under the timeout was not reused")
		}
		if d.dials() != 1 {
			t.Errorf("dials = %d, want 1", d.dials())
		}
	})

	t.Run("at timeout evicts", func(t *testing.T) {
		d := &fakeDialer{}
		p := New(d.dial, Config{MaxSize: 2, IdleTimeout: 30 * time.Second})

		now := time.Now()
		p.now = func() time.Time { return now }

		conn, _ := p.Acquire(context.Background())
		p.Release(conn)

		now = now.Add(30 * time.Second)
		got, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if got == conn {
			t.Error("expired idle connection was handed out")
		}
		if !d.conns[0].closed.Load() {
			t.Error("expired idle connection was not closed")
		}
		if d.dials() != 2 {
			t.Errorf("dials = %d, want 2", d.dials())
		}
	})
}

func TestPool_CapacityInvariant(t *testing.T) {
	const maxSize = 3
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: maxSize, IdleTimeout: time.Hour})

	var held, maxHeld int64
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				conn, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire() error = %v", err)
					return
				}

				h := atomic.AddInt64(&held, 1)
				for {
					m := atomic.LoadInt64(&maxHeld)
					if h <= m || atomic.CompareAndSwapInt64(&maxHeld, m, h) {
						break
					}
				}

				time.Sleep(time.Millisecond)
				atomic.AddInt64(&held, -1)
				p.Release(conn)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&maxHeld); got > maxSize {
		t.Errorf("max simultaneously lent = %d, want <= %d", got, maxSize)
	}
	if d.dials() > maxSize {
		t.Errorf("dials = %d, want <= %d", d.dials(), maxSize)
	}
	idle, lent := p.Stats()
	if lent != 0 {
		t.Errorf("lent = %d after all releases, want 0", lent)
	}
	if idle > maxSize {
		t.Errorf("idle = %d, want <= %d", idle, maxSize)
	}
}

func TestPool_WaitersServedInOrder(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 1})

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	order := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			c, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			p.Release(c)
		}()
		// Let waiter i join the queue before starting i+1.
		time.Sleep(50 * time.Millisecond)
	}

	p.Release(conn)

	for want := 1; want <= 2; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("admission order: got waiter %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never admitted", want)
		}
	}
}

func TestPool_AcquireTimeout(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(conn)

	_, err = p.Acquire(context.Background())
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Acquire() error = %v, want ErrAcquireTimeout", err)
	}
}

func TestPool_AcquireContextCancelled(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 1})

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestPool_AbandonedWaiterSkipped(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 1})

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("Acquire() with expired context succeeded")
	}

	// The dead waiter must not swallow the released connection.
	p.Release(conn)

	got, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got != conn {
		t.Error("released connection was lost to an abandoned waiter")
	}
}

func TestPool_CloseAll(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 2})
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	p.Release(a)

	p.CloseAll()

	if !d.conns[0].closed.Load() {
		t.Error("idle connection not closed by CloseAll()")
	}
	if d.conns[1].closed.Load() {
		t.Error("lent connection was closed by CloseAll()")
	}
	idle, lent := p.Stats()
	if idle != 0 || lent != 0 {
		t.Errorf("Stats() = (%d, %d), want (0, 0)", idle, lent)
	}

	// The pool stays usable and dials fresh.
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after CloseAll() error = %v", err)
	}
	if c == a {
		t.Error("Acquire() returned a connection closed by CloseAll()")
	}

	// Calling it again on an empty pool is a no-op.
	p.Release(b)
	p.CloseAll()
	p.CloseAll()
}

func TestPool_CloseAllWakesWaiters(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{MaxSize: 1})

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan net.Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiting Acquire() error = %v", err)
			return
		}
		got <- c
	}()
	time.Sleep(50 * time.Millisecond)

	// Resetting the pool frees capacity, so the waiter dials fresh.
	p.CloseAll()

	select {
	case c := <-got:
		if c == conn {
			t.Error("waiter got the still-lent connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not admitted after CloseAll()")
	}
}

func TestPool_DialFailure(t *testing.T) {
	d := &fakeDialer{fail: errors.New("connection refused")}
	p := New(d.dial, Config{MaxSize: 2})

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("Acquire() succeeded with failing dialer")
	}
	if !strings.Contains(err.Error(), "failed to dial") {
		t.Errorf("error = %v, want dial failure", err)
	}

	// The failed attempt must not occupy capacity.
	idle, lent := p.Stats()
	if idle != 0 || lent != 0 {
		t.Errorf("Stats() = (%d, %d), want (0, 0)", idle, lent)
	}

	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after dialer recovery error = %v", err)
	}
}

func TestPool_DefaultCapacity(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := p.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i+1, err)
		}
	}

	// The sixth call exceeds the default capacity and must block.
	blockedCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(blockedCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() #6 error = %v, want context.DeadlineExceeded", err)
	}
	if d.dials() != 5 {
		t.Errorf("dials = %d, want 5", d.dials())
	}
}
