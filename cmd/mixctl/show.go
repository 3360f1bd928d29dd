package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mixctl/internal/device"
)

var showCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "Show the detected device and its routing table",
	Long: `Show the detected device and its routing table.

Fixed routes are listed first, then the selectable sources. The currently
routed source is marked with "<-"; "??" means the hardware selection is
unknown (nothing selected since the device was plugged in).

Examples:
  # Show the routing of the attached mixer via the service
  mixctl show

  # Same, but wait for a mixer to be plugged in first
  mixctl show --wait

  # Bypass the service and read the hardware directly
  mixctl show --direct`,
	Args: cobra.NoArgs,
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	view, cleanup, err := acquireDevice(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	return showDevice(cmd.OutOrStdout(), view)
}

// showDevice prints the detection banner and the routing table.
func showDevice(w io.Writer, view deviceView) error {
	name, err := view.Name()
	if err != nil {
		return fmt.Errorf("failed to read device name: %w", err)
	}
	fmt.Fprintf(w, "Detected a %s\n", name)
	return renderRouting(w, name, view)
}

func renderRouting(w io.Writer, name string, view deviceView) error {
	fixed, err := view.FixedRouting()
	if err != nil {
		return fmt.Errorf("failed to read fixed routing: %w", err)
	}
	target, err := view.RoutingTarget()
	if err != nil {
		return fmt.Errorf("failed to read routing target: %w", err)
	}
	sources, err := view.Sources()
	if err != nil {
		return fmt.Errorf("failed to read sources: %w", err)
	}
	current, err := view.RoutingSource()
	if err != nil {
		return fmt.Errorf("failed to read routing source: %w", err)
	}

	writeTable(w, fixed, target, sourceRows(name, sources), current)
	return nil
}

// sourceRow is one selectable source prepared for display.
type sourceRow struct {
	key   string
	label device.StereoPair
	tag   string // "[n]" ordinal tag shown on the row pair's first line
}

// sourceRows orders the selectable sources for display. The model name
// resolves to a descriptor on the same build, which gives ordinal order and
// the [n] tags matching what the hardware expects; an unrecognized name
// degrades to key-sorted rows without tags.
func sourceRows(name string, sources map[string]device.StereoPair) []sourceRow {
	model, _, _ := strings.Cut(name, " (fw v")
	if desc, ok := device.LookupModel(model); ok {
		rows := make([]sourceRow, 0, len(desc.Sources))
		for _, src := range desc.Sources {
			label, ok := sources[src.Key]
			if !ok {
				label = src.Label
			}
			rows = append(rows, sourceRow{
				key:   src.Key,
				label: label,
				tag:   fmt.Sprintf("[%d]", src.Ordinal),
			})
		}
		return rows
	}

	keys := make([]string, 0, len(sources))
	for key := range sources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([]sourceRow, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, sourceRow{key: key, label: sources[key]})
	}
	return rows
}

// writeTable renders the routing table: fixed routes between dashed rules,
// then one row pair per selectable source. The target channels appear on the
// selected source's rows, with "<-" as separator; when the selection is
// unknown every separator reads "??" and the target sits on the first pair.
func writeTable(w io.Writer, fixed []device.Route, target device.StereoPair, rows []sourceRow, current string) {
	targetLen, sourceLen := maxLengths(target, fixed, rows)
	rule := strings.Repeat("-", targetLen+4+sourceLen+4)

	fmt.Fprintln(w, rule)
	for _, route := range fixed {
		targetLines, sourceLines := pairLines(route.Target), pairLines(route.Source)
		for i := range targetLines {
			fmt.Fprintf(w, "%-*s <- %s\n", targetLen, targetLines[i], sourceLines[i])
		}
		fmt.Fprintln(w, rule)
	}

	targetLines := pairLines(target)
	blank := strings.Repeat(" ", targetLen)
	unknown := current == "" || current == device.UnknownSource
	for i, row := range rows {
		sep := "  "
		showTarget := false
		switch {
		case unknown:
			sep = "??"
			showTarget = i == 0
		case current == row.key:
			sep = "<-"
			showTarget = true
		}

		for j, label := range pairLines(row.label) {
			left := blank
			if showTarget {
				left = fmt.Sprintf("%-*s", targetLen, targetLines[j])
			}
			tag := ""
			if j == 0 {
				tag = row.tag
			}
			fmt.Fprintf(w, "%s %s %-*s %s\n", left, sep, sourceLen, label, tag)
		}
	}
	fmt.Fprintln(w, rule)
}

func maxLengths(target device.StereoPair, fixed []device.Route, rows []sourceRow) (targetLen, sourceLen int) {
	targetLen = max(len(target.Left), len(target.Right))
	for _, row := range rows {
		sourceLen = max(sourceLen, len(row.label.Left), len(row.label.Right))
	}
	for _, route := range fixed {
		targetLen = max(targetLen, len(route.Target.Left), len(route.Target.Right))
		sourceLen = max(sourceLen, len(route.Source.Left), len(route.Source.Right))
	}
	return targetLen, sourceLen
}

func pairLines(p device.StereoPair) [2]string {
	return [2]string{p.Left, p.Right}
}
