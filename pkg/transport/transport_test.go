// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_Address(t *testing.T) {
	cfg := Config{Host: "localhost", Port: "8765"}
	if got := cfg.Address(); got != "localhost:8765" {
		t.Errorf("Address() = %q, want %q", got, "localhost:8765")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.VerifyServer {
		t.Error("VerifyServer = false, want true")
	}
	if cfg.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", cfg.DialTimeout)
	}
}

func TestDialer_Plain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	d, err := NewDialer(Config{Host: host, Port: port})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}

	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	select {
	case sc := <-accepted:
		sc.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never saw the connection")
	}
}

func TestDialer_ContextCancelled(t *testing.T) {
	d, err := NewDialer(Config{Host: "127.0.0.1", Port: "1"})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Dial(ctx); err == nil {
		t.Error("Dial() with cancelled context succeeded")
	}
}

func TestNewDialer_TLSConfig(t *testing.T) {
	t.Run("skip verify", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UseTLS = true
		cfg.VerifyServer = false

		d, err := NewDialer(cfg)
		if err != nil {
			t.Fatalf("NewDialer() error = %v", err)
		}
		if d.tlsConf == nil {
			t.Fatal("no TLS config built for UseTLS endpoint")
		}
		if !d.tlsConf.InsecureSkipVerify {
			t.Error("InsecureSkipVerify = false with VerifyServer disabled")
		}
	})

	t.Run("verify on", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UseTLS = true

		d, err := NewDialer(cfg)
		if err != nil {
			t.Fatalf("NewDialer() error = %v", err)
		}
		if d.tlsConf.InsecureSkipVerify {
			t.Error("InsecureSkipVerify = true with VerifyServer enabled")
		}
	})

	t.Run("missing CA file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UseTLS = true
		cfg.CAFile = filepath.Join(t.TempDir(), "absent.pem")

		if _, err := NewDialer(cfg); err == nil {
			t.Error("NewDialer() succeeded with missing CA file")
		}
	})

	t.Run("CA file without PEM blocks", func(t *testing.T) {
		caFile := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(caFile, []byte("not a certificate"), 0o600); err != nil {
			t.Fatalf("writing CA file: %v", err)
		}

		cfg := DefaultConfig()
		cfg.UseTLS = true
		cfg.CAFile = caFile

		_, err := NewDialer(cfg)
		if err == nil {
			t.Fatal("NewDialer() succeeded with junk CA file")
		}
		if !strings.Contains(err.Error(), "no valid PEM blocks") {
			t.Errorf("error = %v, want PEM parse failure", err)
		}
	})

	t.Run("missing keypair", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UseTLS = true
		cfg.CertFile = filepath.Join(t.TempDir(), "absent.crt")
		cfg.KeyFile = filepath.Join(t.TempDir(), "absent.key")

		if _, err := NewDialer(cfg); err == nil {
			t.Error("NewDialer() succeeded with missing keypair")
		}
	})
}

func TestListen_Plain(t *testing.T) {
	ln, err := Listen(Config{Host: "127.0.0.1", Port: "0"})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	if _, _, err := net.SplitHostPort(ln.Addr().String()); err != nil {
		t.Errorf("listener address %q: %v", ln.Addr(), err)
	}
}

func TestListen_TLSRequiresKeypair(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: "0", UseTLS: true}
	if _, err := Listen(cfg); err == nil {
		t.Error("Listen() succeeded without a server keypair")
	}
}
