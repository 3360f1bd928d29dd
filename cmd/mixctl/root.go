// Package main provides the CLI entrypoint for mixctl.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mixctl/internal/config"
	"github.com/jmylchreest/mixctl/internal/dbus"
	"github.com/jmylchreest/mixctl/internal/version"
)

// Global configuration and state
var (
	cfg        *config.Config
	globalOpts struct {
		verbose    bool
		direct     bool
		wait       bool
		configPath string
	}
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mixctl",
	Short: "Control a Soundcraft Notepad series mixer from the command line",
	Long: `mixctl controls the capture routing of Soundcraft Notepad series
mixers (Notepad-5, Notepad-8FX, Notepad-12FX).

It talks to the mixctld session service, which owns the USB device and
keeps the selection persisted across replug. Use --direct to bypass the
service and access the hardware yourself.

Running mixctl without a subcommand shows the current routing.`,
	Version:      version.Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logging
		setupLogger()

		// Load configuration
		var err error
		cfg, err = config.LoadConfig(globalOpts.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
	// Default to showing the routing table when no subcommand is provided
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShow(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode separates "the service side is broken" (2) from ordinary
// failures (1) so scripts can tell a missing daemon from a missing device.
func exitCode(err error) int {
	var verr *dbus.VersionError
	if errors.Is(err, dbus.ErrServiceNotAvailable) || errors.As(err, &verr) {
		return 2
	}
	return 1
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.verbose, "verbose", "v", false,
		"Enable verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.direct, "direct", "d", false,
		"Use direct USB device access instead of the mixctld service")
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.wait, "wait", "w", false,
		"If no compatible device is found, wait for one to appear (service mode only)")
	rootCmd.PersistentFlags().StringVar(&globalOpts.configPath, "config", "",
		"Path to config file (default: ~/.config/mixctl/config.toml)")
}

// setupLogger configures the global slog logger.
func setupLogger() {
	level := slog.LevelWarn
	if globalOpts.verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Log to stderr so stdout is clean for output
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}
