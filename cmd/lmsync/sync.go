package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	syncSite  string
	syncForce bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending offline actions against the site",
	Long: `Replay every queued offline action against the remote site.

Only entities with pending offline data are touched. Without --force,
entities synced within the last five minutes are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.close()

		if err := a.syncer.SyncAllWorkshops(ctx, syncSite, syncForce); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		a.log.Info().Msg("sync completed")
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncSite, "site", "", "sync only this site (default: all sites)")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "ignore the minimum sync interval")
	rootCmd.AddCommand(syncCmd)
}
