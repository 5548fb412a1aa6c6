// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package transport dials and accepts the TCP and TLS connections the
// WebSocket layers run over.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

const defaultDialTimeout = 10 * time.Second

// Config describes one endpoint and how to reach or expose it.
type Config struct {
	// Host and Port name the endpoint.
	Host string
	Port string

	// UseTLS wraps the transport in TLS.
	UseTLS bool

	// CAFile is a PEM bundle of trusted roots. Clients use it to verify
	// the server; servers that set it require and verify client
	// certificates against it.
	CAFile string

	// CertFile and KeyFile hold the local certificate pair. Required on
	// the server side of a TLS endpoint, optional (mutual TLS) on the
	// client side.
	CertFile string
	KeyFile  string

	// VerifyServer controls client-side verification of the server
	// certificate. DefaultConfig enables it; disabling is for test
	// endpoints with self-signed certificates.
	VerifyServer bool

	// DialTimeout bounds connection establishment. Zero applies the
	// 10s default.
	DialTimeout time.Duration
}

// DefaultConfig returns a Config with verification on and the default
// dial timeout.
func DefaultConfig() Config {
	return Config{
		VerifyServer: true,
		DialTimeout:  defaultDialTimeout,
	}
}

// Address returns the host:port form of the endpoint.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Dialer opens connections to a fixed endpoint. Its Dial method has the
// shape pool.DialFunc expects.
type Dialer struct {
	address string
	timeout time.Duration
	tlsConf *tls.Config
}

// NewDialer validates cfg and builds the TLS client state once so that
// every Dial reuses it.
func NewDialer(cfg Config) (*Dialer, error) {
	d := &Dialer{
		address: cfg.Address(),
		timeout: cfg.DialTimeout,
	}
	if d.timeout <= 0 {
		d.timeout = defaultDialTimeout
	}

	if cfg.UseTLS {
		tc, err := ClientTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		d.tlsConf = tc
	}
	return d, nil
}

// Address returns the endpoint this dialer connects to.
func (d *Dialer) Address() string {
	return d.address
}

// Dial opens one connection to the configured endpoint. TLS endpoints
// complete the TLS handshake before returning.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.timeout}

	if d.tlsConf != nil {
		td := &tls.Dialer{NetDialer: nd, Config: d.tlsConf}
		conn, err := td.DialContext(ctx, "tcp", d.address)
		if err != nil {
			return nil, fmt.Errorf("dialing %s with TLS: %w", d.address, err)
		}
		return conn, nil
	}

	conn, err := nd.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.address, err)
	}
	return conn, nil
}

// Listen opens a listener on the configured endpoint, wrapped in TLS
// when cfg.UseTLS is set.
func Listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Address(), err)
	}
	if !cfg.UseTLS {
		return ln, nil
	}

	tc, err := ServerTLSConfig(cfg)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tc), nil
}

// ClientTLSConfig builds the client-side TLS state for cfg: the trust
// anchors from CAFile, an optional client keypair for mutual TLS, and
// the verification mode from VerifyServer.
func ClientTLSConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.VerifyServer,
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// ServerTLSConfig builds the server-side TLS state for cfg. CertFile
// and KeyFile are required; setting CAFile additionally demands and
// verifies client certificates.
func ServerTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parsing CA certificates from %s: no valid PEM blocks", caFile)
	}
	return pool, nil
}
