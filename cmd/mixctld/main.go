// Package main is the entry point for the mixctld device service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmylchreest/mixctl/internal/config"
	"github.com/jmylchreest/mixctl/internal/dbus"
	"github.com/jmylchreest/mixctl/internal/hotplug"
	"github.com/jmylchreest/mixctl/internal/state"
	"github.com/jmylchreest/mixctl/internal/usb"
	"github.com/jmylchreest/mixctl/internal/version"
)

const appName = "mixctld"

func main() {
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", "", "Config file path (default: $XDG_CONFIG_HOME/mixctl/config.toml)")
	flag.Parse()

	if *showVersion {
		println(appName, "version", version.Version)
		os.Exit(0)
	}

	// Set up structured logging
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting mixctld", "version", version.Version)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	store := state.NewStore(cfg.ResolvedStateDir())
	if err := store.EnsureDir(); err != nil {
		logger.Error("failed to create state directory", "dir", store.Dir(), "error", err)
		os.Exit(1)
	}
	logger.Info("state directory ready", "dir", store.Dir())

	transport := usb.NewTransport()
	defer transport.Close()

	host, err := dbus.NewBusHost(logger)
	if err != nil {
		logger.Error("failed to connect to session bus", "error", err)
		os.Exit(1)
	}
	defer host.Close()

	// Hotplug monitoring needs a netlink socket; without one the service
	// still serves whatever was attached at startup.
	var events <-chan hotplug.Event
	monitor, err := hotplug.NewUdevMonitor(logger)
	if err != nil {
		logger.Warn("udev monitoring unavailable", "error", err)
	} else {
		defer monitor.Close()
		events = monitor.Events()
	}

	svc := dbus.NewService(host, transport, store, events, logger)

	watcher, err := state.NewWatcher(store, logger)
	if err != nil {
		logger.Warn("state file watching unavailable", "error", err)
	} else {
		if err := svc.WatchState(watcher); err != nil {
			logger.Warn("failed to start state watcher", "error", err)
		}
		defer watcher.Stop()
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}

	logger.Info("mixctld stopped")
}
