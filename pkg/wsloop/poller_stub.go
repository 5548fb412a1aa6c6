// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

//go:build !linux

package wsloop

import (
	"net"
	"os"
)

// poller is a placeholder on platforms without epoll. newPoller fails, so
// none of the methods are ever reached.
type poller struct{}

func newPoller() (*poller, error) { return nil, ErrUnsupported }

func (p *poller) add(fd int, writable bool) error    { return ErrUnsupported }
func (p *poller) modify(fd int, writable bool) error { return ErrUnsupported }
func (p *poller) remove(fd int) error                { return ErrUnsupported }
func (p *poller) wake() error                        { return ErrUnsupported }
func (p *poller) wait(events []event) (int, error)   { return 0, ErrUnsupported }
func (p *poller) close() error                       { return nil }

func prepareConn(conn *net.TCPConn) (int, *os.File, error) {
	conn.Close()
	return 0, nil, ErrUnsupported
}

func readFD(fd int, p []byte) (int, error)  { return 0, ErrUnsupported }
func writeFD(fd int, p []byte) (int, error) { return 0, ErrUnsupported }
