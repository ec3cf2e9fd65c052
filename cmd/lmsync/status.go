package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moodlehq/lmsync/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending offline data per site",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.close()

		siteIDs, err := a.registry.SiteIDs()
		if err != nil {
			return fmt.Errorf("failed to list sites: %w", err)
		}
		if len(siteIDs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no sites registered")
			return nil
		}

		out := cmd.OutOrStdout()
		for _, siteID := range siteIDs {
			fmt.Fprintf(out, "site %s\n", siteID)

			workshopIDs, err := a.offline.AllWorkshops(ctx, siteID)
			if err != nil {
				fmt.Fprintf(out, "  error reading offline data: %v\n", err)
				continue
			}
			if len(workshopIDs) == 0 {
				fmt.Fprintln(out, "  no pending offline data")
				continue
			}

			for _, workshopID := range workshopIDs {
				last, err := a.times.LastSync(ctx, sync.WorkshopComponent, workshopID, siteID)
				switch {
				case err != nil:
					fmt.Fprintf(out, "  workshop %d: pending, last sync unknown (%v)\n", workshopID, err)
				case last.IsZero():
					fmt.Fprintf(out, "  workshop %d: pending, never synced\n", workshopID)
				default:
					fmt.Fprintf(out, "  workshop %d: pending, last synced %s\n",
						workshopID, last.Format("2006-01-02 15:04:05"))
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
