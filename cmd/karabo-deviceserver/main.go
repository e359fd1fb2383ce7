// Package main implements karabo-deviceserver, the process that hosts
// Karabo devices. The broker and logging come from the KARABO_*
// environment; the server itself is configured by key=value arguments.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/brokerregistry"
	"github.com/c360/karabo/config"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/metric"
	"github.com/c360/karabo/server"

	// Device classes shipped with the server.
	_ "github.com/c360/karabo/devices/propertytest"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "karabo-deviceserver"
)

// Exit codes, following sysexits.h.
const (
	exitOK      = 0
	exitFailure = 1
	exitDataErr = 65
	exitConfig  = 78
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run starts the server and blocks until ctx is cancelled or the server is
// killed remotely. It returns the process exit code.
func run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	cli, err := parseFlags(argv, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", appName, err)
		return exitDataErr
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return exitOK
	}
	if cli.ShowHelp {
		printHelp(stderr)
		return exitOK
	}

	env, err := config.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", appName, err)
		return exitConfig
	}
	args, err := config.ParseServerArgs(cli.Tokens)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", appName, err)
		return exitDataErr
	}
	if args.LogLevel == "" {
		args.LogLevel = env.Level()
	}
	if args.ServerID == "" {
		host, _ := os.Hostname()
		args.ServerID = server.DefaultServerID(host, os.Getpid())
	}

	logger := setupLogger(stdout, args.LogLevel, env.LogFormat)
	slog.SetDefault(logger)
	logger.Info("Starting device server",
		"serverId", args.ServerID,
		"broker", env.Broker,
		"topic", env.Topic,
		"build_time", BuildTime)

	metrics := metric.NewMetricsRegistry()
	if env.MetricsPort != 0 {
		ms := metric.NewServer(env.MetricsPort, "/metrics", metrics)
		if err := ms.Start(); err != nil {
			logger.Error("Metrics server failed", "error", err)
			return exitConfig
		}
		defer stopMetrics(ms, logger)
		logger.Info("Serving metrics", "address", ms.Address())
	}

	session, code := connect(ctx, env, args.ServerID, logger, metrics, cli.ConnectTimeout)
	if session == nil {
		return code
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Broker session close failed", "error", err)
		}
	}()

	cfg := args.ServerConfig()
	cfg.Session = session
	cfg.Logger = logger
	cfg.MetricsRegistry = metrics
	cfg.MaxQueuedPerPeer = env.MaxQueuedPerPeer
	srv, err := server.New(cfg)
	if err != nil {
		logger.Error("Device server creation failed", "error", err)
		if errors.IsInvalid(err) {
			return exitDataErr
		}
		return exitFailure
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("Device server start failed", "error", err, "kind", string(errors.KindOf(err)))
		return exitFailure
	}

	select {
	case <-srv.Done():
		logger.Info("Device server killed")
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		defer cancel()
		srv.Kill(shutdownCtx)
	}
	logger.Info("Device server shutdown complete")
	return exitOK
}

// connect opens the broker session. An unreachable broker exits with
// exitConfig.
func connect(
	ctx context.Context,
	env *config.Env,
	serverID string,
	logger *slog.Logger,
	metrics *metric.MetricsRegistry,
	timeout time.Duration,
) (*broker.Session, int) {
	registry, err := brokerregistry.New(serverID, logger)
	if err != nil {
		logger.Error("Broker driver registration failed", "error", err)
		return nil, exitFailure
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	session, err := broker.Connect(connCtx, registry, broker.Config{
		URLs:                env.Broker,
		Topic:               env.Topic,
		MaxBufferedMessages: env.MaxBufferedMessages,
		Logger:              logger,
		MetricsRegistry:     metrics,
		OnError: func(err error) {
			logger.Error("Broker transport error", "error", err, "kind", string(errors.KindOf(err)))
		},
	})
	if err != nil {
		logger.Error("Broker unreachable", "urls", env.Broker, "error", err)
		return nil, exitConfig
	}
	return session, exitOK
}

func stopMetrics(ms *metric.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ms.Stop(ctx); err != nil {
		logger.Warn("Metrics server stop failed", "error", err)
	}
}
