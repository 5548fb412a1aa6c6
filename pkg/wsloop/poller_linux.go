// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

//go:build linux

package wsloop

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance plus an eventfd used to interrupt a
// blocked wait when a command is posted from another goroutine.
type poller struct {
	epfd   int
	wakeFd int
	raw    []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("creating wake eventfd: %w", err)
	}

	p := &poller{epfd: epfd, wakeFd: wakeFd, raw: make([]unix.EpollEvent, 128)}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		p.close()
		return nil, fmt.Errorf("registering wake eventfd: %w", err)
	}
	return p, nil
}

func epollEvents(writable bool) uint32 {
	events := uint32(unix.EPOLLIN)
	if writable {
		events |= unix.EPOLLOUT
	}
	return events
}

// add registers fd for read events, plus write events when writable is set.
func (p *poller) add(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(writable), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// modify updates the write interest of an already registered descriptor.
func (p *poller) modify(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(writable), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wake interrupts a blocked wait. Safe from any goroutine.
func (p *poller) wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(p.wakeFd, b[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// wait blocks until at least one descriptor is ready and translates the
// raw epoll events. Interrupted waits and pure wake-ups report zero
// events so the caller re-checks its command queue.
func (p *poller) wait(events []event) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.raw, -1)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	out := 0
	for i := 0; i < n && out < len(events); i++ {
		raw := p.raw[i]
		if int(raw.Fd) == p.wakeFd {
			p.drainWake()
			continue
		}
		events[out] = event{
			fd: int(raw.Fd),
			// Errors and hang-ups surface through the next read.
			readable: raw.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: raw.Events&unix.EPOLLOUT != 0,
		}
		out++
	}
	return out, nil
}

func (p *poller) drainWake() {
	var b [8]byte
	unix.Read(p.wakeFd, b[:])
}

func (p *poller) close() error {
	unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}

// prepareConn takes ownership of conn: the descriptor is duplicated out
// of the runtime poller, the original is closed, and the duplicate is
// switched to non-blocking mode. The returned file keeps the duplicate
// alive until the session is torn down.
func prepareConn(conn *net.TCPConn) (int, *os.File, error) {
	file, err := conn.File()
	if err != nil {
		conn.Close()
		return 0, nil, fmt.Errorf("duplicating descriptor: %w", err)
	}
	conn.Close()

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return 0, nil, fmt.Errorf("enabling non-blocking mode: %w", err)
	}
	return fd, file, nil
}

// readFD reads once from a non-blocking descriptor. No data pending
// reports errAgain; a cleanly closed peer reports io.EOF.
func readFD(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, errAgain
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// writeFD writes once to a non-blocking descriptor. A full socket buffer
// reports errAgain along with the byte count that did go out.
func writeFD(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN || err == unix.EINTR {
		return n, errAgain
	}
	return n, err
}
