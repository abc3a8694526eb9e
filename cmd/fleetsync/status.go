package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue depth and backend health",
	Long:  "Display the effective configuration, count the actions waiting in the local queue, and poll the fleet backend health endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runtimeConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API URL:     %s\n", cfg.API.BaseURL)
		if cfg.API.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.API.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Queue:       %s\n", queueDescription(cfg))
		fmt.Printf("  Events:      %s\n", valueOrDefault(eventsDescription(cfg), "(disabled)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Queue:")
		store, err := openStore(ctx, cfg)
		if err != nil {
			fmt.Printf("  Error opening queue: %v\n", err)
		} else {
			n, err := store.Count(ctx)
			store.Close()
			if err != nil {
				fmt.Printf("  Error counting queue: %v\n", err)
			} else {
				fmt.Printf("  Pending:     %d\n", n)
			}
		}

		client, err := buildClient(cfg)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")
		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  API:         unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  API:         %s\n", health.Status)
		machine := "unreachable"
		if health.DistributorReachable {
			machine = "reachable"
		}
		fmt.Printf("  Machine:     %s %s\n", machine, health.DistributorIP)

		info, err := client.DownloadInfo(ctx)
		if err != nil {
			fmt.Printf("  Error fetching download info: %v\n", err)
			return nil
		}
		last := "(never)"
		if info.LastDownload != nil {
			last = *info.LastDownload
		}
		fmt.Printf("  Last sync:   %s\n", last)
		if info.IsSimulator {
			fmt.Println("  Simulator:   yes")
		}
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "****"
	case len(key) <= 16:
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
