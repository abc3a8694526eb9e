package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var initAPIKey string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key sent as a bearer token")
}

var initCmd = &cobra.Command{
	Use:   "init <api-url>",
	Short: "Store the fleet API address in ~/.fleetsync/config.toml",
	Long:  "Initialize fleetsync by storing the fleet backend address (e.g. http://10.0.0.5:5000/api) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid API URL %q: expected an absolute http(s) URL", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.API.BaseURL = u.String()
		if initAPIKey != "" {
			cfg.API.APIKey = initAPIKey
		}
		if cfg.Queue.Backend == "" {
			cfg.Queue.Backend = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("API address saved to %s\n", path)
		return nil
	},
}
