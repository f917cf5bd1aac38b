package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fullbrightkay/routeweaver/internal/config"
	"github.com/fullbrightkay/routeweaver/internal/daemon"
)

var version = "dev"

func main() {
	var (
		configLocation = flag.String("config-location", "", "path to the TOML config file (required)")
		ipcBaseDir     = flag.String("ipc-base-dir", "/run/routeweaver", "base directory for the local IPC socket layout")
		logLevel       = flag.String("log-level", "", "override the config's log level: debug, info, warn, error")
		showVersion    = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("routeweaverd %s\n", version)
		os.Exit(0)
	}

	if *configLocation == "" {
		fmt.Fprintln(os.Stderr, "error: --config-location is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configLocation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))

	d, err := daemon.New(cfg, *configLocation, *ipcBaseDir, log)
	if err != nil {
		log.Error("failed to build daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
		d.Stop()
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error("daemon exited", "error", err)
			os.Exit(1)
		}
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
