// Command ksid runs the event router daemon: it builds a Router,
// binds the local stream transport, and serves client connections
// until a shutdown signal or a system:shutdown event completes the
// coordinated shutdown protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/durapensa/ksid/internal/bridge"
	"github.com/durapensa/ksid/internal/pattern"
	"github.com/durapensa/ksid/internal/router"
	"github.com/durapensa/ksid/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.Default()

	routerOpts := router.DefaultOptions
	routerOpts.Logger = logger

	if mode := os.Getenv("KSI_ERROR_MODE"); mode != "" {
		routerOpts.ErrorMode = router.ErrorMode(mode)
	}

	if depth := os.Getenv("KSI_EMIT_DEPTH_MAX"); depth != "" {
		if n, err := strconv.Atoi(depth); err == nil && n > 0 {
			routerOpts.EmitDepthMax = n
		} else {
			logger.Warn("ignoring invalid KSI_EMIT_DEPTH_MAX", "value", depth)
		}
	}

	rt := router.New(routerOpts)

	mgr, err := bridges(logger)

	if err != nil {
		logger.Error("failed to configure event bridge", "err", err)

		return 2
	}

	if mgr != nil {
		rt.SetBridges(mgr)
		logger.Info("event bridge attached", "mirrors", mgr.Count())
	}

	transportOpts := transport.DefaultOptions
	transportOpts.Logger = logger
	transportOpts.SocketPath = socketPath()

	if maxFrame := os.Getenv("KSI_MAX_FRAME_BYTES"); maxFrame != "" {
		if n, err := strconv.Atoi(maxFrame); err == nil && n > 0 {
			transportOpts.MaxFrameBytes = n
		} else {
			logger.Warn("ignoring invalid KSI_MAX_FRAME_BYTES", "value", maxFrame)
		}
	}

	if err := os.MkdirAll(filepath.Dir(transportOpts.SocketPath), 0o700); err != nil {
		logger.Error("failed to create socket directory", "path", transportOpts.SocketPath, "err", err)

		return 2
	}

	srv := transport.New(rt, transportOpts)

	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind local socket", "path", transportOpts.SocketPath, "err", err)

		return 2
	}

	logger.Info("ksid listening", "socket", transportOpts.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exit := make(chan error, 1)

	go func() {
		exit <- srv.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-rt.Done():
		logger.Info("shutdown event received, shutting down")
	case err := <-exit:
		if err != nil {
			logger.Error("transport accept loop failed", "err", err)
		}
	}

	// A second call after a socket-initiated system:shutdown returns
	// the summary the first call already produced.
	summary := rt.Shutdown(context.Background(), routerOpts.ShutdownDeadline)

	if err := srv.Close(); err != nil {
		logger.Warn("error closing listener", "err", err)
	}

	if !srv.Drain(2 * time.Second) {
		logger.Warn("exiting with unflushed client responses")
	}

	if err := rt.Close(); err != nil {
		logger.Warn("error closing router resources", "err", err)
	}

	logger.Info("ksid stopped",
		"acknowledged", summary.AcknowledgedCriticals,
		"outstanding", summary.OutstandingCriticals,
	)

	return summary.ExitCode()
}

// bridges builds the optional event bridge from environment variables:
// each of KSI_NATS_URL, KSI_AMQP_URL, KSI_MQTT_URL, and KSI_REDIS_ADDR
// attaches the corresponding broker, mirroring events that match
// KSI_BRIDGE_PATTERN (default "**", every event). Returns nil when no
// broker is configured.
func bridges(logger *slog.Logger) (*bridge.Manager, error) {
	pat := os.Getenv("KSI_BRIDGE_PATTERN")

	if pat == "" {
		pat = "**"
	}

	mgr := bridge.New(pattern.New(), logger)

	if url := os.Getenv("KSI_NATS_URL"); url != "" {
		broker, err := bridge.NewNATSBroker(url)

		if err != nil {
			return nil, fmt.Errorf("nats bridge: %w", err)
		}

		if err := mgr.RegisterBridge(pat, broker); err != nil {
			return nil, err
		}
	}

	if url := os.Getenv("KSI_AMQP_URL"); url != "" {
		broker, err := bridge.NewAMQPBroker(url)

		if err != nil {
			return nil, fmt.Errorf("amqp bridge: %w", err)
		}

		if err := mgr.RegisterBridge(pat, broker); err != nil {
			return nil, err
		}
	}

	if url := os.Getenv("KSI_MQTT_URL"); url != "" {
		broker, err := bridge.NewMQTTBroker(url)

		if err != nil {
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}

		if err := mgr.RegisterBridge(pat, broker); err != nil {
			return nil, err
		}
	}

	if addr := os.Getenv("KSI_REDIS_ADDR"); addr != "" {
		broker := bridge.NewRedisBroker(&bridge.RedisBrokerOptions{Addr: addr})

		if err := mgr.RegisterBridge(pat, broker); err != nil {
			return nil, err
		}
	}

	if mgr.Count() == 0 {
		return nil, nil
	}

	return mgr, nil
}

// socketPath resolves the local stream socket location: KSI_SOCKET if
// set, otherwise "<runtime_dir>/daemon.sock" following XDG_RUNTIME_DIR
// when available.
func socketPath() string {
	if path := os.Getenv("KSI_SOCKET"); path != "" {
		return path
	}

	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "daemon.sock")
	}

	return filepath.Join(os.TempDir(), "ksid", "daemon.sock")
}
