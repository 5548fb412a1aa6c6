// Copyright (c) Khagendra Neupane
// SPDX-License-Identifier: MIT

// Package main runs kn-sockd: WebSocket echo endpoints in both server
// flavors, with Prometheus metrics and health probes around them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	knsock "github.com/KhagendraN/kn-sock"
	"github.com/KhagendraN/kn-sock/examples/echo"
	"github.com/KhagendraN/kn-sock/pkg/handler"
	"github.com/KhagendraN/kn-sock/pkg/health"
	"github.com/KhagendraN/kn-sock/pkg/metrics"
	"github.com/KhagendraN/kn-sock/pkg/pool"
	wsserver "github.com/KhagendraN/kn-sock/pkg/server/ws"
	"github.com/KhagendraN/kn-sock/pkg/transport"
	"github.com/KhagendraN/kn-sock/pkg/wsloop"
)

const (
	wsWithoutTLS = "KNSOCK_WS_WITHOUT_TLS_"
	wsWithTLS    = "KNSOCK_WS_WITH_TLS_"
	wsWithmTLS   = "KNSOCK_WS_WITH_MTLS_"

	wsLoop = "KNSOCK_WS_LOOP_"
)

// Config holds the daemon-wide configuration. Endpoint addresses and
// TLS material load separately, per endpoint prefix.
type Config struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Resource limits
	MaxGoroutines int   `env:"MAX_GOROUTINES" envDefault:"50000"`
	MaxPayload    int64 `env:"MAX_PAYLOAD"    envDefault:"0"`

	// Timeouts
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Optional upstream probed through the connection pool.
	TargetHost         string        `env:"TARGET_HOST"          envDefault:""`
	TargetPort         string        `env:"TARGET_PORT"          envDefault:""`
	TargetWithTLS      bool          `env:"TARGET_WITH_TLS"      envDefault:"false"`
	TargetCAFile       string        `env:"TARGET_CA_FILE"       envDefault:""`
	TargetVerify       bool          `env:"TARGET_VERIFY"        envDefault:"true"`
	PoolMaxSize        int           `env:"POOL_MAX_SIZE"        envDefault:"5"`
	PoolIdleTimeout    time.Duration `env:"POOL_IDLE_TIMEOUT"    envDefault:"30s"`
	PoolAcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"5s"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "KNSOCK_"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting kn-sockd",
		slog.Int("max_goroutines", cfg.MaxGoroutines))

	m := metrics.New("knsock")

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		m.GoroutinesActive.WithLabelValues("all").Set(float64(count))
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	healthChecker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})

	go startMetricsServer(cfg.MetricsPort, logger)
	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	// Optional upstream reached through the connection pool, probed by
	// the health checker.
	if cfg.TargetPort != "" {
		connPool, err := setupUpstreamPool(cfg, m, healthChecker, logger)
		if err != nil {
			logger.Error("Failed to set up upstream pool", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer connPool.CloseAll()
	}

	echoHandler := echo.New(logger)

	started := 0
	for _, prefix := range []string{wsWithoutTLS, wsWithTLS, wsWithmTLS} {
		if err := startWSServer(g, ctx, prefix, echoHandler, m, cfg, logger); err != nil {
			logger.Warn("WebSocket server not started",
				slog.String("prefix", prefix),
				slog.String("error", err.Error()))
			continue
		}
		started++
	}

	if err := startLoopServer(g, ctx, wsLoop, echoHandler, m, cfg, logger); err != nil {
		logger.Warn("Event-loop server not started",
			slog.String("prefix", wsLoop),
			slog.String("error", err.Error()))
	} else {
		started++
	}

	if started == 0 {
		logger.Warn("no WebSocket endpoints configured")
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("kn-sockd terminated with error: %s", err))
	} else {
		logger.Info("kn-sockd stopped")
	}
}

// startWSServer starts one blocking-flavor endpoint configured under
// envPrefix. Endpoints without a port are skipped.
func startWSServer(g *errgroup.Group, ctx context.Context, envPrefix string, h handler.Handler, m *metrics.Metrics, cfg Config, logger *slog.Logger) error {
	ecfg, err := knsock.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}
	if ecfg.Port == "" {
		return fmt.Errorf("port not configured")
	}

	srv := wsserver.New(wsserver.Config{
		Address:         ecfg.Address(),
		TLSConfig:       ecfg.TLSConfig,
		MaxPayload:      cfg.MaxPayload,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, NewInstrumentedHandler(h, "blocking", m, logger))

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	logger.Info("WebSocket server starting", slog.String("prefix", envPrefix))
	return nil
}

// startLoopServer starts the cooperative-flavor endpoint configured
// under envPrefix. The event loop owns every attached descriptor, so
// the listener here only accepts and hands connections over.
func startLoopServer(g *errgroup.Group, ctx context.Context, envPrefix string, h handler.Handler, m *metrics.Metrics, cfg Config, logger *slog.Logger) error {
	ecfg, err := knsock.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}
	if ecfg.Port == "" {
		return fmt.Errorf("port not configured")
	}
	if ecfg.TLSConfig != nil {
		return fmt.Errorf("TLS is not supported on the event-loop endpoint")
	}

	loop, err := wsloop.NewLoop(wsloop.Config{
		Handler:    NewInstrumentedHandler(h, "loop", m, logger),
		MaxPayload: cfg.MaxPayload,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ecfg.Address())
	if err != nil {
		return err
	}

	g.Go(func() error {
		return loop.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					// Expected error during shutdown
					return nil
				}
				logger.Error("failed to accept connection", slog.String("error", err.Error()))
				return err
			}

			tc, ok := conn.(*net.TCPConn)
			if !ok {
				conn.Close()
				continue
			}
			if _, err := loop.AttachServer(tc); err != nil {
				logger.Warn("failed to attach connection",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.String("error", err.Error()))
			}
		}
	})

	logger.Info("Event-loop server starting",
		slog.String("prefix", envPrefix),
		slog.String("address", ln.Addr().String()))
	return nil
}

// setupUpstreamPool builds the pooled dialer for the configured target
// and registers the health probes that exercise it.
func setupUpstreamPool(cfg Config, m *metrics.Metrics, checker *health.Checker, logger *slog.Logger) (*pool.Pool, error) {
	tcfg := transport.DefaultConfig()
	tcfg.Host = cfg.TargetHost
	tcfg.Port = cfg.TargetPort
	tcfg.UseTLS = cfg.TargetWithTLS
	tcfg.CAFile = cfg.TargetCAFile
	tcfg.VerifyServer = cfg.TargetVerify

	dialer, err := transport.NewDialer(tcfg)
	if err != nil {
		return nil, err
	}

	connPool := pool.New(dialer.Dial, pool.Config{
		MaxSize:        cfg.PoolMaxSize,
		IdleTimeout:    cfg.PoolIdleTimeout,
		AcquireTimeout: cfg.PoolAcquireTimeout,
	})
	endpoint := dialer.Address()

	checker.Register("upstream", func(ctx context.Context) error {
		return m.ObserveAcquire(endpoint, func() error {
			conn, err := connPool.Acquire(ctx)
			if err != nil {
				return err
			}
			connPool.Release(conn)
			return nil
		})
	})
	checker.Register("connection_pool", func(ctx context.Context) error {
		idle, lent := connPool.Stats()
		m.SetPoolStats(endpoint, idle, lent)
		logger.Debug("Connection pool stats",
			slog.Int("idle", idle),
			slog.Int("lent", lent))
		return nil
	})

	logger.Info("Upstream pool configured",
		slog.String("endpoint", endpoint),
		slog.Int("max_size", cfg.PoolMaxSize))
	return connPool, nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health server error", slog.String("error", err.Error()))
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
