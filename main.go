package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"i4.energy/across/lorae5/at"
	"i4.energy/across/lorae5/modem"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML configuration file")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the module")
	flag.Int("baud-rate", modem.DefaultBaudRate, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("mqtt-broker", "", "MQTT broker URL, empty disables the MQTT bridge")
	listPorts := flag.Bool("list-ports", false, "List available serial ports and exit")
	flag.Parse()

	if *listPorts {
		if err := ListPorts(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	config, err := LoadConfig(WithDefaults(), WithFile(*configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Gateway stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, config *Config, logger *slog.Logger) error {
	modemConfig, err := modem.NewConfigBuilder().
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		WithLogger(logger.With("component", "modem")).
		Build()
	if err != nil {
		return fmt.Errorf("create modem config: %w", err)
	}

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return fmt.Errorf("create modem: %w", err)
	}
	defer m.Close()

	logger.Info("Starting LoRa-E5 gateway", "port", config.SerialPort, "mqtt", config.MQTTBroker != "")

	gw := NewGateway(m, logger.With("component", "gateway"))

	var bridge *Bridge
	if config.MQTTBroker != "" {
		bridge = NewBridge(config, gw, logger.With("component", "mqtt"))
	}

	joined := make(chan bool, 1)
	m.OnJoin(func(ok bool) {
		gw.SetJoined(ok)
		if bridge != nil {
			bridge.PublishJoin(ok)
		}
		// Keep only the latest outcome.
		select {
		case <-joined:
		default:
		}
		select {
		case joined <- ok:
		default:
		}
	})
	m.OnDownlink(func(dl modem.Downlink) {
		if bridge != nil {
			bridge.PublishDownlink(dl)
		}
	})
	m.OnConfirm(func(c modem.Confirmation) {
		if bridge != nil {
			bridge.PublishConfirm(c)
		}
	})
	m.OnDiagnostic(func(d modem.Diagnostic) {
		logger.Warn("Modem diagnostic", "kind", d.Kind.String(), "line", d.Line, "error", d.Err)
	})

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With("component", "server"),
			Gateway: gw,
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := m.Start(gctx); err != nil {
		return fmt.Errorf("start modem: %w", err)
	}

	g.Go(func() error {
		select {
		case <-m.Done():
			if gctx.Err() != nil {
				return nil
			}
			return modem.ErrSessionClosed
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		if err := m.Provision(gctx, config.Profile); err != nil {
			return fmt.Errorf("provision module: %w", err)
		}
		if config.Profile.Mode == modem.ModeOTAA && config.JoinTimeout > 0 {
			if err := join(gctx, m, joined, config.JoinTimeout, logger); err != nil {
				return err
			}
		}
		return serveHTTP(gctx, httpServer, logger)
	})

	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Joiner starts join attempts; results arrive separately.
type Joiner interface {
	Join(ctx context.Context) error
}

const joinAttempts = 3

// join asks the module to join and waits for the result. A module that is
// already joined counts as success, and so does a success reported late by
// an earlier attempt. When the module is still busy with a join, the next
// attempt waits for that join's outcome instead of being issued at once.
func join(ctx context.Context, j Joiner, joined <-chan bool, timeout time.Duration, logger *slog.Logger) error {
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		if drainJoined(joined) {
			logger.Info("Network joined by an earlier attempt")
			return nil
		}

		logger.Info("Joining network", "attempt", attempt)

		err := j.Join(ctx)
		switch {
		case errors.Is(err, at.CodeAlreadyJoined):
			logger.Info("Module already joined")
			return nil
		case errors.Is(err, at.CodeBusy), errors.Is(err, at.CodeNoFreeChannel):
			logger.Warn("Join not started", "attempt", attempt, "error", err)
		case err != nil:
			return fmt.Errorf("join: %w", err)
		}

		select {
		case ok := <-joined:
			if ok {
				logger.Info("Network joined")
				return nil
			}
			logger.Warn("Join failed", "attempt", attempt)
		case <-time.After(timeout):
			logger.Warn("Join timed out", "attempt", attempt, "timeout", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if drainJoined(joined) {
		logger.Info("Network joined by an earlier attempt")
		return nil
	}
	return fmt.Errorf("join: no success after %d attempts", joinAttempts)
}

// drainJoined empties joined without blocking and reports whether any of
// the buffered results was a success.
func drainJoined(joined <-chan bool) bool {
	ok := false
	for {
		select {
		case v := <-joined:
			ok = ok || v
		default:
			return ok
		}
	}
}

// serveHTTP runs srv until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", srv.Addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
