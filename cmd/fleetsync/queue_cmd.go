package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vendingops/fleetsync"
)

var (
	queueAddMethod string
	queueAddData   string
	queueDrainJSON bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)

	queueAddCmd.Flags().StringVar(&queueAddMethod, "method", "POST", "HTTP method")
	queueAddCmd.Flags().StringVar(&queueAddData, "data", "", "JSON request body")
	queueDrainCmd.Flags().BoolVar(&queueDrainJSON, "json", false, "Print the drain report as JSON")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline action queue",
}

// withQueue opens the configured store behind an ActionQueue that never
// triggers a background sync.
func withQueue(fn func(ctx context.Context, cfg *Config, q *fleetsync.ActionQueue) error) error {
	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	q := fleetsync.NewActionQueue(store, nil, fleetsync.WithQueueLogger(logger))
	defer q.Close()
	return fn(ctx, cfg, q)
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, _ *Config, q *fleetsync.ActionQueue) error {
			actions, err := q.List(ctx)
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUED AT\tMETHOD\tURL\tKEY")
			for _, a := range actions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.QueuedAt().Local().Format(time.DateTime), a.Method, a.URL, a.IdempotencyKey)
			}
			return w.Flush()
		})
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Queue an action for later delivery",
	Long:  "Queue an action for later delivery. Relative URLs are resolved against api.base_url at send time.\nExample: fleetsync queue add /motors/3/refill --data '{\"qty\":10}'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, _ *Config, q *fleetsync.ActionQueue) error {
			in := fleetsync.ActionInput{URL: args[0], Method: queueAddMethod}
			if queueAddData != "" {
				in.Data = json.RawMessage(queueAddData)
			}
			id, err := q.Enqueue(ctx, in)
			if err != nil {
				return err
			}
			fmt.Printf("Queued action %d. Run 'fleetsync queue drain' to deliver it.\n", id)
			return nil
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued actions against the fleet API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, cfg *Config, q *fleetsync.ActionQueue) error {
			client, err := buildClient(cfg)
			if err != nil {
				return err
			}
			syncer := fleetsync.NewSynchronizer(q, client, fleetsync.WithSyncLogger(logger))
			report, err := syncer.Drain(ctx)
			if err != nil {
				return err
			}
			if queueDrainJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Printf("Delivered %d, failed %d (%s)\n", len(report.Succeeded), len(report.Failed), report.Duration.Round(time.Millisecond))
				for _, f := range report.Failed {
					fmt.Printf("  #%d %s: %v\n", f.ID, f.URL, f.Err)
				}
			}
			if !report.OK() {
				return fmt.Errorf("%d action(s) still queued", len(report.Failed))
			}
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued action",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, _ *Config, q *fleetsync.ActionQueue) error {
			n, err := q.Len(ctx)
			if err != nil {
				return err
			}
			if err := q.Clear(ctx); err != nil {
				return err
			}
			fmt.Printf("Removed %d action(s).\n", n)
			return nil
		})
	},
}
