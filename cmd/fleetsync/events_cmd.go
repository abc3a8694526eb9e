package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vendingops/fleetsync"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Realtime event stream",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print backend events until interrupted",
	Long:  "Subscribe to the fleet event stream and print every event. Reconnects on failure and exits non-zero once the reconnect budget is spent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runtimeConfig()
		if err != nil {
			return err
		}
		client, err := buildClient(cfg)
		if err != nil {
			return err
		}
		transport := buildTransport(cfg, client)
		if transport == nil {
			return fmt.Errorf("events are disabled (events.disabled = true)")
		}
		bc, err := bridgeConfig(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		terminated := make(chan string, 1)
		bridge := fleetsync.NewEventBridge(transport, bc)
		bridge.OnAny(func(ev fleetsync.Event) {
			fmt.Printf("%s  %-20s %s\n", time.Now().Format(time.TimeOnly), ev.Type, string(ev.Data))
		})
		bridge.OnStateChange(func(st fleetsync.SubscriptionState) {
			logger.WithFields(logrus.Fields{"state": st.State, "attempts": st.ReconnectAttempts}).Debug("event stream state")
			if st.State == fleetsync.StateTerminated {
				select {
				case terminated <- st.LastError:
				default:
				}
			}
		})

		if err := bridge.Connect(ctx); err != nil {
			return err
		}
		defer bridge.Disconnect()

		select {
		case <-ctx.Done():
			return nil
		case reason := <-terminated:
			return fmt.Errorf("event stream terminated: %s", reason)
		}
	},
}
