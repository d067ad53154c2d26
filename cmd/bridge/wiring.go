package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/batch"
	"github.com/dgnsrekt/guild-bridge/internal/config"
	"github.com/dgnsrekt/guild-bridge/internal/destination"
	"github.com/dgnsrekt/guild-bridge/internal/diff"
	"github.com/dgnsrekt/guild-bridge/internal/member"
	"github.com/dgnsrekt/guild-bridge/internal/notify"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
	"github.com/dgnsrekt/guild-bridge/internal/state"
	bridgesync "github.com/dgnsrekt/guild-bridge/internal/sync"
)

// engine holds everything a pass needs.
type engine struct {
	orchestrator *bridgesync.Orchestrator
	targets      []bridgesync.Target
	stores       []*state.Store
	notifier     notify.Notifier
}

func (e *engine) Close() {
	for _, s := range e.stores {
		if err := s.Close(); err != nil {
			logger.Warn("failed to release state lock", zap.String("destination", s.Destination()), zap.Error(err))
		}
	}
}

func notifyConfig(c config.NotifyConfig) *notify.Config {
	return &notify.Config{
		Enabled:   c.Enabled,
		Server:    c.Server,
		Topic:     c.Topic,
		Priority:  c.Priority,
		Tags:      c.Tags,
		Token:     c.Token,
		OnSuccess: c.OnSuccess,
	}
}

func syncOptions(c *config.Config) (bridgesync.Options, error) {
	targets := make(map[snapshot.Stream]int, len(c.Batch.PerStream))
	for name, size := range c.Batch.PerStream {
		stream, err := snapshot.ParseStream(name)
		if err != nil {
			return bridgesync.Options{}, err
		}
		targets[stream] = size
	}
	return bridgesync.Options{
		Batch: batch.Policy{
			Min:       c.Batch.Min,
			Max:       c.Batch.Max,
			Target:    c.Batch.Initial,
			GrowAfter: c.Batch.GrowAfter,
		},
		StreamTargets: targets,
		Retry: bridgesync.Retry{
			MaxAttempts:  c.Retry.MaxAttempts,
			InitialDelay: c.Retry.InitialDelay,
			MaxDelay:     c.Retry.MaxDelay,
			Multiplier:   c.Retry.Multiplier,
		},
		QuarantineAfter: c.QuarantineAfter,
	}, nil
}

// parseStreams keeps the processing order of snapshot.AllStreams.
func parseStreams(names []string) ([]snapshot.Stream, error) {
	wanted := make(map[snapshot.Stream]bool, len(names))
	for _, name := range names {
		s, err := snapshot.ParseStream(name)
		if err != nil {
			return nil, err
		}
		wanted[s] = true
	}
	var out []snapshot.Stream
	for _, s := range snapshot.AllStreams {
		if wanted[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func adapters(c *config.Config) (map[string]destination.Adapter, map[string][]string) {
	out := make(map[string]destination.Adapter)
	streams := make(map[string][]string)

	if c.WebAPI.Enabled {
		out[config.DestinationWebAPI] = destination.NewWebAPI(destination.WebAPIOptions{
			URL:             c.WebAPI.URL,
			APIKey:          c.WebAPI.APIKey,
			UploaderVersion: version,
			Timeout:         c.HTTPTimeout,
			RatePerSecond:   c.WebAPI.RatePerSecond,
			Compress:        c.WebAPI.Compress,
			MaxPayloadBytes: c.WebAPI.MaxPayloadBytes,
		}, logger)
		streams[config.DestinationWebAPI] = c.WebAPI.Streams
	}

	if c.Sheets.Enabled {
		names := make(map[snapshot.Stream]string, len(c.Sheets.SheetNames))
		for name, sheet := range c.Sheets.SheetNames {
			if s, err := snapshot.ParseStream(name); err == nil {
				names[s] = sheet
			}
		}
		out[config.DestinationSheets] = destination.NewSheets(destination.SheetsOptions{
			URL:             c.Sheets.URL,
			Token:           c.Sheets.Token,
			SheetNames:      names,
			Timeout:         c.HTTPTimeout,
			RatePerSecond:   c.Sheets.RatePerSecond,
			MaxPayloadBytes: c.Sheets.MaxPayloadBytes,
		}, logger)
		streams[config.DestinationSheets] = c.Sheets.Streams
	}

	return out, streams
}

// buildEngine wires config into an orchestrator and its targets. A
// destination with configuration or state problems is left out; the call
// only fails when no destination remains.
func buildEngine(ctx context.Context, c *config.Config, observer bridgesync.Observer) (*engine, error) {
	ncfg := notifyConfig(c.Notify)
	if err := ncfg.Validate(); err != nil {
		return nil, err
	}
	notifier := notify.New(ncfg, logger)

	opts, err := syncOptions(c)
	if err != nil {
		return nil, err
	}
	differ := diff.New(member.NewNormalizer(c.Realm.Default))
	orch, err := bridgesync.New(differ, opts, logger, bridgesync.WithObserver(observer))
	if err != nil {
		return nil, err
	}

	destErrs := c.DestinationErrors()
	if destErrs != nil {
		logger.Error("destinations disabled by configuration errors", zap.Error(destErrs))
	}

	e := &engine{orchestrator: orch, notifier: notifier}
	all, streamNames := adapters(c)
	for _, name := range []string{config.DestinationWebAPI, config.DestinationSheets} {
		adapter, ok := all[name]
		if !ok || destErrs.Disabled(name) {
			continue
		}
		streams, err := parseStreams(streamNames[name])
		if err != nil {
			logger.Error("destination disabled", zap.String("destination", name), zap.Error(err))
			continue
		}

		store, err := state.Open(c.State.Directory, name, logger)
		var corrupt *state.CorruptError
		switch {
		case errors.As(err, &corrupt):
			if nerr := notifier.StateCorrupt(ctx, name, corrupt); nerr != nil {
				logger.Warn("failed to send state alert", zap.Error(nerr))
			}
		case err != nil:
			logger.Error("destination disabled, state unavailable", zap.String("destination", name), zap.Error(err))
			continue
		}

		e.stores = append(e.stores, store)
		e.targets = append(e.targets, bridgesync.Target{Adapter: adapter, Store: store, Streams: streams})
		logger.Info("destination enabled",
			zap.String("destination", name),
			zap.Strings("streams", streamNames[name]),
		)
	}

	if len(e.targets) == 0 {
		e.Close()
		return nil, fmt.Errorf("no usable destination")
	}
	return e, nil
}
