package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
	"github.com/dgnsrekt/guild-bridge/internal/status"
	bridgesync "github.com/dgnsrekt/guild-bridge/internal/sync"
)

func runCmd() *cobra.Command {
	var fullRoster bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the snapshot file and sync every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), fullRoster)
		},
	}

	cmd.Flags().BoolVar(&fullRoster, "full-roster", false, "resend the full roster on the first pass")
	return cmd
}

func runDaemon(ctx context.Context, fullRoster bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := status.NewHub(logger)
	tracker := status.NewTracker(hub, logger)

	eng, err := buildEngine(ctx, cfg, tracker)
	if err != nil {
		return err
	}
	defer eng.Close()

	if cfg.Status.Enabled {
		go hub.Run(ctx)
		go func() {
			if err := status.Serve(ctx, cfg.Status.Addr, status.NewRouter(tracker, hub, logger), logger); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	watcher := snapshot.NewWatcher(cfg.Snapshot.Path, 0, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("file watcher stopped, relying on polling", zap.Error(err))
		}
	}()

	rosterCh := make(chan os.Signal, 1)
	if len(fullRosterSignals) > 0 {
		signal.Notify(rosterCh, fullRosterSignals...)
		defer signal.Stop(rosterCh)
	}

	source := snapshot.NewSource(cfg.Snapshot.Path)
	ticker := time.NewTicker(cfg.Snapshot.PollInterval)
	defer ticker.Stop()

	logger.Info("bridge started",
		zap.String("version", version),
		zap.String("snapshot", cfg.Snapshot.Path),
		zap.Duration("poll_interval", cfg.Snapshot.PollInterval),
		zap.Int("destinations", len(eng.targets)),
	)

	var retryAt time.Time
	pending := true // sync once on startup
	for {
		if pending {
			pending = false
			retryAt = time.Time{}
			if report := pass(ctx, eng, source, fullRoster); report != nil {
				retryAt = report.RetryAt(cfg.Retry.MaxDelay)
			}
			fullRoster = false
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil

		case <-watcher.Events():
			logger.Debug("snapshot changed on disk")
			pending = true

		case <-ticker.C:
			changed, err := source.Changed()
			if err != nil {
				logger.Warn("cannot stat snapshot", zap.Error(err))
				continue
			}
			pending = changed
			if !retryAt.IsZero() && !time.Now().Before(retryAt) {
				logger.Debug("retrying streams left behind by the last pass")
				pending = true
			}

		case sig := <-rosterCh:
			logger.Info("full roster resend requested", zap.String("signal", sig.String()))
			fullRoster = true
			pending = true
		}
	}
}

// pass reads the current snapshot and runs one sync pass over it. It
// returns nil when there was nothing to read.
func pass(ctx context.Context, eng *engine, source *snapshot.Source, fullRoster bool) *bridgesync.PassReport {
	snap, err := source.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no snapshot yet", zap.String("path", source.Path()))
			return nil
		}
		logger.Error("cannot read snapshot", zap.Error(err))
		return nil
	}

	report := eng.orchestrator.Pass(ctx, snap, eng.targets, bridgesync.PassOptions{FullRoster: fullRoster})
	for _, p := range report.Problems() {
		logger.Warn("sync problem", zap.String("session_id", report.SessionID), zap.String("problem", p))
	}

	// A cancelled pass still gets reported, on a fresh context.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := eng.notifier.PassFinished(notifyCtx, report); err != nil {
		logger.Warn("failed to send pass notification", zap.Error(err))
	}
	return report
}
