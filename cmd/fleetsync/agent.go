package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vendingops/fleetsync"
)

var agentListen string

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentListen, "listen", "", "Address for the local agent API (overrides agent.listen)")
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the offline-first sync agent",
	Long: "Run the sync agent: replays queued actions in the background, polls backend health,\n" +
		"keeps the read cache warm, follows the event stream and serves a local HTTP API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runtimeConfig()
		if err != nil {
			return err
		}
		if agentListen != "" {
			cfg.Agent.Listen = agentListen
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		notifier := buildNotifier(cfg)
		mgr, err := newOfflineManager(ctx, cfg, notifier)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var push *fleetsync.PushReceiver
		if cfg.Agent.PushSecret != "" {
			push, err = fleetsync.NewPushReceiver(cfg.Agent.PushSecret, notifier, logger)
			if err != nil {
				return err
			}
		}

		if err := mgr.Open(ctx); err != nil {
			return fmt.Errorf("failed to start agent: %w", err)
		}

		server := &http.Server{
			Addr:              cfg.Agent.Listen,
			Handler:           newAgentRouter(ctx, mgr, push, cfg.Agent.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.WithField("addr", server.Addr).Info("agent API listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("agent API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down agent")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

// newOfflineManager assembles the agent's components from the config.
func newOfflineManager(ctx context.Context, cfg *Config, notifier fleetsync.Notifier) (*fleetsync.OfflineManager, error) {
	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}

	var ttl, sweep, health, periodic time.Duration
	durations := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"cache.ttl", cfg.Cache.TTL, &ttl},
		{"cache.sweep_interval", cfg.Cache.SweepInterval, &sweep},
		{"agent.health_interval", cfg.Agent.HealthInterval, &health},
		{"agent.periodic_interval", cfg.Agent.PeriodicInterval, &periodic},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.name, d.val); err != nil {
			return nil, err
		}
	}

	bc, err := bridgeConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	transport := buildTransport(cfg, client)
	mgr, err := fleetsync.NewOfflineManager(client, &fleetsync.OfflineOptions{
		Store:            store,
		CacheTTL:         ttl,
		SweepInterval:    sweep,
		HealthInterval:   health,
		PeriodicInterval: periodic,
		Bridge:           bc,
		Transport:        transport,
		DisableEvents:    transport == nil,
		Notifier:         notifier,
		Logger:           logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return mgr, nil
}
