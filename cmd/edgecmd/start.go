package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/edgecmd/internal/api"
	"github.com/mattjoyce/edgecmd/internal/auth"
	"github.com/mattjoyce/edgecmd/internal/bus"
	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/dispatch"
	"github.com/mattjoyce/edgecmd/internal/doctor"
	"github.com/mattjoyce/edgecmd/internal/events"
	"github.com/mattjoyce/edgecmd/internal/history"
	"github.com/mattjoyce/edgecmd/internal/lock"
	"github.com/mattjoyce/edgecmd/internal/log"
	"github.com/mattjoyce/edgecmd/internal/router"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the adapter until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			return runStart(cmd.Context(), cfg)
		},
	}
}

// runStart wires the bus, router, dispatcher and optional history and API,
// then blocks until ctx is cancelled or a component fails.
func runStart(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	fingerprint, _ := cfg.Fingerprint()
	logger.Info("edgecmd starting",
		"version", version,
		"config", cfg.SourceFile,
		"config_fingerprint", fingerprint,
		"transport", cfg.Bus.Transport,
		"mode", cfg.Dispatch.Mode,
		"output", cfg.Dispatch.Output,
	)

	report := doctor.New(cfg).Validate()
	for _, w := range report.Warnings {
		logger.Warn("config warning", "field", w.Field, "message", w.Message)
	}
	if !report.Valid {
		for _, e := range report.Errors {
			logger.Error("config error", "field", e.Field, "message", e.Message)
		}
		return fmt.Errorf("configuration has %d error(s); run 'edgecmd config check'", len(report.Errors))
	}

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
		if err != nil {
			return err
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	rt, err := router.New(cfg.Topics, cfg.Dispatch.Mode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := events.NewHub(256)
	dispatchOpts := []dispatch.Option{dispatch.WithEvents(hub)}

	var historyReader api.HistoryReader
	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		logger.Info("history enabled", "path", cfg.History.Path, "retention", cfg.History.Retention)

		go store.RunJanitor(ctx, cfg.History.Retention, cfg.History.PruneInterval)
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(store))
		historyReader = store
	}
	if !cfg.SSH.Enabled {
		logger.Info("ssh execution disabled")
	}

	client, err := bus.New(cfg.Bus, rt.OnConnect)
	if err != nil {
		return err
	}
	defer client.Close()

	disp := dispatch.New(cfg.Dispatch, cfg.SSH, rt, client, dispatchOpts...)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}
		apiServer := api.New(apiConfig, disp, client, historyReader, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("connect bus: %w", err)
	}
	logger.Info("bus connected", "subscriptions", rt.Subscriptions())

	go func() {
		if err := disp.Start(ctx, client.Messages()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	logger.Info("edgecmd running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return err
	}

	stats := disp.Stats()
	logger.Info("edgecmd stopped", "messages_processed", stats.Processed, "messages_dropped", stats.Dropped)
	return nil
}
