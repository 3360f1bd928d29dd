package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mixctl/internal/device"
)

var setCmd = &cobra.Command{
	Use:   "set <source>",
	Short: "Route a source to the USB capture channels",
	Long: `Route the specified source to the USB capture channels.

The source can be given as its ordinal (the [n] tags of mixctl show), its
symbolic key, or an unambiguous substring of a channel label.

Examples:
  # Route by ordinal
  mixctl set 1

  # Route by symbolic key
  mixctl set MASTER_L_R

  # Route by label substring
  mixctl set Master`,
	Args: cobra.ExactArgs(1),
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	request := args[0]

	view, cleanup, err := acquireDevice(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	name, err := view.Name()
	if err != nil {
		return fmt.Errorf("failed to read device name: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Detected a %s\n", name)

	if err := view.SetRoutingSource(request); err != nil {
		if errors.Is(err, device.ErrInvalidSelection) {
			return fmt.Errorf("%w (run 'mixctl show' to list the valid choices)", err)
		}
		return err
	}

	// Show the device state the same way a plain show would
	return renderRouting(cmd.OutOrStdout(), name, view)
}
