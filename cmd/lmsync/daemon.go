package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/moodlehq/lmsync/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run in the foreground, watching the data directory and syncing
pending offline actions whenever site data changes or the periodic
interval elapses. Stop with SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.close()

		config := daemon.DefaultConfig()
		config.Logger = a.log
		if interval := viper.GetDuration("sync_interval"); interval > 0 {
			config.SyncInterval = interval
		}

		d, err := daemon.New(a.syncer, a.registry, config)
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		// Blocks until a signal arrives, then shuts down gracefully.
		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().Duration("sync-interval", 5*time.Minute, "interval between periodic sync passes")
	_ = viper.BindPFlag("sync_interval", daemonCmd.Flags().Lookup("sync-interval"))
	rootCmd.AddCommand(daemonCmd)
}
