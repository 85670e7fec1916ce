// Command proctaild is the ProcTail agent binary. It loads a YAML
// configuration file, starts the trace provider, watch-target manager,
// event store, and IPC dispatcher, and shuts down gracefully on SIGTERM,
// SIGINT, or a client-issued Shutdown command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/proctail/agent/internal/config"
	"github.com/proctail/agent/internal/service"
	"github.com/proctail/agent/internal/traceprovider"
)

func main() {
	configPath := flag.String("config", "/etc/proctail/config.yaml", "path to the ProcTail agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proctaild: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("pipe_name", cfg.PipeName),
		slog.String("log_level", cfg.LogLevel),
		slog.Int("max_events_per_tag", cfg.MaxEventsPerTag),
	)

	provider := traceprovider.NewLinux(
		traceprovider.Config{
			EnabledProviders:  cfg.EnabledProviders,
			EnabledEventNames: cfg.EnabledEventNames,
		},
		cfg.WatchPaths,
		logger,
	)

	svc := service.New(cfg, logger, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start proctail agent", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-svc.Done():
		logger.Info("received shutdown request", slog.Bool("force", svc.ShutdownWasForced()))
	}

	svc.Stop()
	logger.Info("proctail agent exited cleanly")
}

// newLogger constructs a *slog.Logger writing to stderr: JSON-structured
// when stderr is not a terminal (log aggregation, systemd journal), or a
// human-readable text handler when attached to an interactive terminal.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: l}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
