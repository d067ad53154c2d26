package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/config"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
	"github.com/dgnsrekt/guild-bridge/internal/state"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset persisted sync state",
	}
	cmd.AddCommand(stateShowCmd())
	cmd.AddCommand(stateResetCmd())
	return cmd
}

func stateShowCmd() *cobra.Command {
	var destinations []string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the state document of each destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			docs := make(map[string]*state.Document)
			for _, name := range destinations {
				store, err := openStateStore(name)
				if err != nil {
					return err
				}
				docs[name] = store.Document()
				_ = store.Close()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(docs)
		},
	}

	cmd.Flags().StringSliceVarP(&destinations, "destination", "d",
		[]string{config.DestinationWebAPI, config.DestinationSheets}, "destinations to show")
	return cmd
}

func stateResetCmd() *cobra.Command {
	var (
		destination string
		streams     []string
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget progress so items are sent again",
		Long: "Reset moves stream cursors back to zero for one destination. " +
			"Without --stream every stream is reset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := snapshot.AllStreams
			if len(streams) > 0 {
				var err error
				if targets, err = parseStreams(streams); err != nil {
					return err
				}
			}

			store, err := openStateStore(destination)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			for _, s := range targets {
				if err := store.ResetStream(s); err != nil {
					return fmt.Errorf("resetting %s: %w", s, err)
				}
				logger.Info("stream reset", zap.String("destination", destination), zap.Stringer("stream", s))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&destination, "destination", "d", "", "destination to reset (webapi or sheets)")
	cmd.Flags().StringSliceVarP(&streams, "stream", "s", nil, "streams to reset (default all)")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

// openStateStore opens a destination's document. A corrupt document is
// reported but not fatal.
func openStateStore(name string) (*state.Store, error) {
	if name != config.DestinationWebAPI && name != config.DestinationSheets {
		return nil, fmt.Errorf("unknown destination %q", name)
	}
	store, err := state.Open(cfg.State.Directory, name, logger)
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			return nil, fmt.Errorf("%s state is in use by a running bridge: %w", name, err)
		}
		if !errors.Is(err, state.ErrCorrupt) {
			return nil, err
		}
	}
	return store, nil
}
