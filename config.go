// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package knsock holds the environment-backed endpoint configuration
// shared by the kn-sock daemons.
package knsock

import (
	"crypto/tls"
	"net"

	"github.com/caarlos0/env/v11"

	"github.com/KhagendraN/kn-sock/pkg/transport"
)

// Config describes one listening endpoint. Fields load from the
// environment under a caller-chosen prefix, so a single process can
// host several endpoints (plain, TLS, mutual TLS) side by side.
type Config struct {
	Host         string `env:"HOST"           envDefault:""`
	Port         string `env:"PORT"           envDefault:""`
	CertFile     string `env:"CERT_FILE"      envDefault:""`
	KeyFile      string `env:"KEY_FILE"       envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	// TLSConfig is materialized from the file paths above when a
	// keypair is configured. It stays nil for plain endpoints.
	TLSConfig *tls.Config
}

// NewConfig loads a Config from the environment using opts (typically
// an env.Options with a Prefix) and builds the server TLS state when a
// keypair is configured.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.CertFile != "" || c.KeyFile != "" {
		tc, err := transport.ServerTLSConfig(transport.Config{
			CertFile: c.CertFile,
			KeyFile:  c.KeyFile,
			CAFile:   c.ClientCAFile,
		})
		if err != nil {
			return Config{}, err
		}
		c.TLSConfig = tc
	}
	return c, nil
}

// Address returns the host:port the endpoint binds.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}
