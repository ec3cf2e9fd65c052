package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/moodlehq/lmsync/internal/reminders"
)

var reminderCmd = &cobra.Command{
	Use:   "reminder",
	Short: "Manage event reminders",
}

var (
	reminderSite       string
	reminderComponent  string
	reminderInstance   int64
	reminderTitle      string
	reminderURL        string
	reminderEventTime  string
	reminderLeadTime   int64
	reminderUseDefault bool
)

var reminderAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a reminder for an event",
	Long: `Add a reminder for an event. The lead time is how many seconds
before the event the notification fires; with --default-lead the
configured site-wide default applies instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eventTime, err := time.Parse(time.RFC3339, reminderEventTime)
		if err != nil {
			return fmt.Errorf("invalid --event-time, want RFC 3339: %w", err)
		}

		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.close()

		timeBefore := reminderLeadTime
		if reminderUseDefault {
			timeBefore = reminders.TimeBeforeDefault
		}

		reminder := &reminders.Reminder{
			Component:  reminderComponent,
			InstanceID: reminderInstance,
			Time:       eventTime.Unix(),
			TimeBefore: timeBefore,
			Title:      reminderTitle,
			URL:        reminderURL,
		}
		if err := a.remind.Add(ctx, reminderSite, reminder); err != nil {
			return fmt.Errorf("failed to add reminder: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "reminder %d added\n", reminder.ID)
		return nil
	},
}

var reminderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.close()

		list, err := a.remind.List(ctx, reminderSite, reminderComponent, reminderInstance)
		if err != nil {
			return fmt.Errorf("failed to list reminders: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "no reminders")
			return nil
		}
		for _, r := range list {
			lead := strconv.FormatInt(r.TimeBefore, 10) + "s before"
			if r.TimeBefore == reminders.TimeBeforeDefault {
				lead = "default lead"
			}
			fmt.Fprintf(out, "%d\t%s/%d\t%s\t%s\t%s\n",
				r.ID, r.Component, r.InstanceID,
				time.Unix(r.Time, 0).Format("2006-01-02 15:04"), lead, r.Title)
		}
		return nil
	},
}

var reminderRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a reminder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid reminder id %q: %w", args[0], err)
		}

		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.close()

		if err := a.remind.Remove(ctx, reminderSite, id); err != nil {
			return fmt.Errorf("failed to remove reminder: %w", err)
		}
		return nil
	},
}

func init() {
	reminderCmd.PersistentFlags().StringVar(&reminderSite, "site", "", "site the reminder belongs to")
	_ = reminderCmd.MarkPersistentFlagRequired("site")

	reminderAddCmd.Flags().StringVar(&reminderComponent, "component", "", "component owning the event")
	reminderAddCmd.Flags().Int64Var(&reminderInstance, "instance", 0, "event instance id")
	reminderAddCmd.Flags().StringVar(&reminderTitle, "title", "", "notification title")
	reminderAddCmd.Flags().StringVar(&reminderURL, "url", "", "url opened from the notification")
	reminderAddCmd.Flags().StringVar(&reminderEventTime, "event-time", "", "event instant, RFC 3339")
	reminderAddCmd.Flags().Int64Var(&reminderLeadTime, "lead", 3600, "seconds before the event to notify")
	reminderAddCmd.Flags().BoolVar(&reminderUseDefault, "default-lead", false, "use the configured default lead time")
	_ = reminderAddCmd.MarkFlagRequired("component")
	_ = reminderAddCmd.MarkFlagRequired("instance")
	_ = reminderAddCmd.MarkFlagRequired("event-time")

	reminderListCmd.Flags().StringVar(&reminderComponent, "component", "", "filter by component")
	reminderListCmd.Flags().Int64Var(&reminderInstance, "instance", 0, "filter by instance id")

	reminderCmd.AddCommand(reminderAddCmd, reminderListCmd, reminderRemoveCmd)
	rootCmd.AddCommand(reminderCmd)
}
