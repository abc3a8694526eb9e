package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vendingops/fleetsync"
)

// buildClient creates a fleet API client from the effective config.
func buildClient(cfg *Config) (*fleetsync.Client, error) {
	timeout, err := parseDuration("api.timeout", cfg.API.Timeout)
	if err != nil {
		return nil, err
	}
	opts := []fleetsync.ClientOption{fleetsync.WithTimeout(timeout)}
	if cfg.API.APIKey != "" {
		opts = append(opts, fleetsync.WithAPIKey(cfg.API.APIKey))
	}
	return fleetsync.NewClient(cfg.API.BaseURL, opts...), nil
}

// openStore opens the configured queue backend.
func openStore(ctx context.Context, cfg *Config) (fleetsync.QueueStore, error) {
	switch cfg.Queue.Backend {
	case "sqlite":
		return fleetsync.OpenSQLiteQueueStore(cfg.Queue.Path)
	case "redis":
		if cfg.Queue.RedisURL == "" {
			return nil, fmt.Errorf("queue.redis_url is required for the redis backend")
		}
		return fleetsync.OpenRedisQueueStore(ctx, cfg.Queue.RedisURL, cfg.Queue.RedisPrefix)
	case "memory":
		logger.Warn("memory queue backend selected: queued actions are lost on exit")
		return fleetsync.NewMemoryQueueStore(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q (valid: sqlite, redis, memory)", cfg.Queue.Backend)
	}
}

// buildTransport picks the realtime transport. It returns nil when events
// are disabled.
func buildTransport(cfg *Config, client *fleetsync.Client) fleetsync.Transport {
	if cfg.Events.Disabled {
		return nil
	}
	if cfg.Events.Transport == "ws" {
		u := cfg.Events.WSURL
		if u == "" {
			u = fleetsync.WebSocketURL(client.BaseURL(), "/ws")
		}
		t := fleetsync.NewWebSocketTransport(u)
		if cfg.API.APIKey != "" {
			t.Header = http.Header{"Authorization": []string{"Bearer " + cfg.API.APIKey}}
		}
		return t
	}
	return fleetsync.NewSSETransport(client)
}

func bridgeConfig(cfg *Config) (*fleetsync.BridgeConfig, error) {
	delay, err := parseDuration("events.reconnect_delay", cfg.Events.ReconnectDelay)
	if err != nil {
		return nil, err
	}
	return &fleetsync.BridgeConfig{
		MaxReconnectAttempts: cfg.Events.MaxReconnectAttempts,
		ReconnectDelay:       delay,
		Logger:               logger,
	}, nil
}

// buildNotifier always logs and also posts to the webhook when one is set.
func buildNotifier(cfg *Config) fleetsync.Notifier {
	n := fleetsync.MultiNotifier{fleetsync.NewLogNotifier(logger)}
	if cfg.Agent.NotifyWebhook != "" {
		n = append(n, fleetsync.NewWebhookNotifier(cfg.Agent.NotifyWebhook, nil, logger))
	}
	return n
}

func queueDescription(cfg *Config) string {
	switch cfg.Queue.Backend {
	case "sqlite":
		return "sqlite " + cfg.Queue.Path
	case "redis":
		return "redis " + cfg.Queue.RedisPrefix
	}
	return cfg.Queue.Backend
}

func eventsDescription(cfg *Config) string {
	if cfg.Events.Disabled {
		return ""
	}
	return cfg.Events.Transport
}
