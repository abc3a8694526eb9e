package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vendingops/fleetsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.fleetsync/config.toml.
// Durations are strings in time.ParseDuration form.
type Config struct {
	API    ConfigAPI    `toml:"api"`
	Queue  ConfigQueue  `toml:"queue"`
	Cache  ConfigCache  `toml:"cache"`
	Events ConfigEvents `toml:"events"`
	Agent  ConfigAgent  `toml:"agent"`
	Log    ConfigLog    `toml:"log"`
}

type ConfigAPI struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Timeout string `toml:"timeout"`
}

// ConfigQueue selects the queue backend: sqlite, redis or memory.
type ConfigQueue struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`
}

type ConfigCache struct {
	TTL           string `toml:"ttl"`
	SweepInterval string `toml:"sweep_interval"`
}

// ConfigEvents selects the realtime transport: sse or ws.
type ConfigEvents struct {
	Transport            string `toml:"transport"`
	WSURL                string `toml:"ws_url"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectDelay       string `toml:"reconnect_delay"`
	Disabled             bool   `toml:"disabled"`
}

type ConfigAgent struct {
	Listen           string `toml:"listen"`
	HealthInterval   string `toml:"health_interval"`
	PeriodicInterval string `toml:"periodic_interval"`
	PushSecret       string `toml:"push_secret"`
	NotifyWebhook    string `toml:"notify_webhook"`
	// CORSOrigins lists browser origins allowed to call the agent API.
	CORSOrigins []string `toml:"cors_origins"`
}

type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// envOverlay holds FLEETSYNC_* variables. Unset variables leave the file
// value alone, so no field carries a default.
type envOverlay struct {
	APIURL          string `envconfig:"API_URL"`
	APIKey          string `envconfig:"API_KEY"`
	APITimeout      string `envconfig:"API_TIMEOUT"`
	QueueBackend    string `envconfig:"QUEUE_BACKEND"`
	QueuePath       string `envconfig:"QUEUE_PATH"`
	RedisURL        string `envconfig:"REDIS_URL"`
	EventsTransport string `envconfig:"EVENTS_TRANSPORT"`
	AgentListen     string `envconfig:"AGENT_LISTEN"`
	PushSecret      string `envconfig:"PUSH_SECRET"`
	NotifyWebhook   string `envconfig:"NOTIFY_WEBHOOK"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	LogFormat       string `envconfig:"LOG_FORMAT"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.fleetsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".fleetsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// applyEnv overlays FLEETSYNC_* variables onto cfg.
func applyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process("FLEETSYNC", &env); err != nil {
		return fmt.Errorf("cannot read environment: %w", err)
	}
	overlay := []struct {
		dst *string
		val string
	}{
		{&cfg.API.BaseURL, env.APIURL},
		{&cfg.API.APIKey, env.APIKey},
		{&cfg.API.Timeout, env.APITimeout},
		{&cfg.Queue.Backend, env.QueueBackend},
		{&cfg.Queue.Path, env.QueuePath},
		{&cfg.Queue.RedisURL, env.RedisURL},
		{&cfg.Events.Transport, env.EventsTransport},
		{&cfg.Agent.Listen, env.AgentListen},
		{&cfg.Agent.PushSecret, env.PushSecret},
		{&cfg.Agent.NotifyWebhook, env.NotifyWebhook},
		{&cfg.Log.Level, env.LogLevel},
		{&cfg.Log.Format, env.LogFormat},
	}
	for _, o := range overlay {
		if o.val != "" {
			*o.dst = o.val
		}
	}
	return nil
}

// applyDefaults fills every unset field.
func applyDefaults(cfg *Config) error {
	def := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	def(&cfg.API.BaseURL, fleetsync.DefaultBaseURL)
	def(&cfg.API.Timeout, fleetsync.DefaultTimeout.String())
	def(&cfg.Queue.Backend, "sqlite")
	def(&cfg.Queue.RedisPrefix, "fleetsync:queue")
	def(&cfg.Cache.TTL, fleetsync.DefaultCacheTTL.String())
	def(&cfg.Cache.SweepInterval, fleetsync.DefaultSweepInterval.String())
	def(&cfg.Events.Transport, "sse")
	def(&cfg.Events.ReconnectDelay, "5s")
	def(&cfg.Agent.Listen, "127.0.0.1:8787")
	def(&cfg.Agent.HealthInterval, fleetsync.DefaultHealthInterval.String())
	def(&cfg.Agent.PeriodicInterval, fleetsync.DefaultPeriodicInterval.String())
	def(&cfg.Log.Level, "info")
	def(&cfg.Log.Format, "text")
	if cfg.Events.MaxReconnectAttempts == 0 {
		cfg.Events.MaxReconnectAttempts = 5
	}
	if cfg.Queue.Path == "" {
		dir, err := configDir()
		if err != nil {
			return err
		}
		cfg.Queue.Path = filepath.Join(dir, "queue.db")
	}
	return nil
}

// runtimeConfig loads .env, the config file and the environment, in that
// order of increasing precedence, fills defaults and configures logging.
func runtimeConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := configureLogger(logger, cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", name, err)
	}
	return d, nil
}

// setConfigValue sets a config field using dot notation (e.g. "api.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. api.base_url)")
	}
	section, field := parts[0], parts[1]

	var dst *string
	switch section {
	case "api":
		switch field {
		case "base_url":
			dst = &cfg.API.BaseURL
		case "api_key":
			dst = &cfg.API.APIKey
		case "timeout":
			dst = &cfg.API.Timeout
		}
	case "queue":
		switch field {
		case "backend":
			switch value {
			case "sqlite", "redis", "memory":
			default:
				return fmt.Errorf("queue.backend must be sqlite, redis or memory")
			}
			dst = &cfg.Queue.Backend
		case "path":
			dst = &cfg.Queue.Path
		case "redis_url":
			dst = &cfg.Queue.RedisURL
		case "redis_prefix":
			dst = &cfg.Queue.RedisPrefix
		}
	case "cache":
		switch field {
		case "ttl":
			dst = &cfg.Cache.TTL
		case "sweep_interval":
			dst = &cfg.Cache.SweepInterval
		}
	case "events":
		switch field {
		case "transport":
			if value != "sse" && value != "ws" {
				return fmt.Errorf("events.transport must be sse or ws")
			}
			dst = &cfg.Events.Transport
		case "ws_url":
			dst = &cfg.Events.WSURL
		case "reconnect_delay":
			dst = &cfg.Events.ReconnectDelay
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("events.max_reconnect_attempts must be a positive integer")
			}
			cfg.Events.MaxReconnectAttempts = n
			return nil
		case "disabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("events.disabled must be true or false")
			}
			cfg.Events.Disabled = b
			return nil
		}
	case "agent":
		switch field {
		case "listen":
			dst = &cfg.Agent.Listen
		case "health_interval":
			dst = &cfg.Agent.HealthInterval
		case "periodic_interval":
			dst = &cfg.Agent.PeriodicInterval
		case "push_secret":
			dst = &cfg.Agent.PushSecret
		case "notify_webhook":
			dst = &cfg.Agent.NotifyWebhook
		case "cors_origins":
			var origins []string
			for _, o := range strings.Split(value, ",") {
				if o = strings.TrimSpace(o); o != "" {
					origins = append(origins, o)
				}
			}
			cfg.Agent.CORSOrigins = origins
			return nil
		}
	case "log":
		switch field {
		case "level":
			if _, err := logrus.ParseLevel(value); err != nil {
				return err
			}
			dst = &cfg.Log.Level
		case "format":
			if value != "text" && value != "json" {
				return fmt.Errorf("log.format must be text or json")
			}
			dst = &cfg.Log.Format
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: api, queue, cache, events, agent, log)", section)
	}
	if dst == nil {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	if strings.HasSuffix(field, "_interval") || field == "ttl" || field == "timeout" || field == "reconnect_delay" {
		if _, err := parseDuration(key, value); err != nil {
			return err
		}
	}
	*dst = value
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var logger = logrus.New()

func configureLogger(l *logrus.Logger, c ConfigLog) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.SetLevel(level)
	l.SetOutput(os.Stderr)
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:           "fleetsync",
	Short:         "Vending fleet sync agent",
	Long:          "Command-line interface for the vending fleet client.\nQueue actions offline, replay them, tail live events and run the sync agent.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
