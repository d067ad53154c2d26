package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
)

func syncCmd() *cobra.Command {
	var (
		fullRoster bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, err := buildEngine(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			source := snapshot.NewSource(cfg.Snapshot.Path)
			if dryRun {
				snap, err := source.Read()
				if err != nil {
					return err
				}
				counts, err := eng.orchestrator.Preview(snap, eng.targets)
				if err != nil {
					return err
				}
				printPreview(counts)
				return nil
			}

			report := pass(ctx, eng, source, fullRoster)
			if report == nil {
				return fmt.Errorf("no snapshot could be read from %s", source.Path())
			}
			fmt.Printf("session %s: %d sent, %d skipped\n", report.SessionID, report.Sent(), report.Skipped())
			if report.Failed() {
				return fmt.Errorf("pass finished with %d problem(s)", len(report.Problems()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fullRoster, "full-roster", false, "resend every roster row")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print how many items are pending")
	return cmd
}

func printPreview(counts map[string]map[snapshot.Stream]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DESTINATION\tSTREAM\tPENDING")
	for _, name := range names {
		for _, stream := range snapshot.AllStreams {
			n, ok := counts[name][stream]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\n", name, stream, n)
		}
	}
	_ = w.Flush()
}
