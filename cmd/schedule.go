package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/store"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule messages for later delivery",
	}
	cmd.AddCommand(scheduleAddCmd())
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleCancelCmd())
	return cmd
}

// atLayouts are the timestamp formats accepted by --at, tried in order.
var atLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseAt(s string) (time.Time, error) {
	for _, layout := range atLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --at time %q (use ISO 8601, e.g. 2026-03-01T09:00:00Z)", s)
}

func scheduleAddCmd() *cobra.Command {
	var (
		atStr    string
		delaySec int
		cronExpr string
	)

	cmd := &cobra.Command{
		Use:   "add <channel> <target> <text>",
		Short: "Schedule a message",
		Long:  "Queue a message for later delivery. --at takes an ISO 8601 time, --delay a number of seconds, and --cron schedules the next time matching a cron expression. A running gateway picks the entry up on its next poll.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			ch, err := message.ParseChannel(args[0])
			if err != nil {
				return err
			}

			var at time.Time
			switch {
			case atStr != "":
				at, err = parseAt(atStr)
				if err != nil {
					return err
				}
			case delaySec > 0:
				at = time.Now().UTC().Add(time.Duration(delaySec) * time.Second)
			case cronExpr != "":
				at, err = gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
				if err != nil {
					return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
				}
			default:
				return fmt.Errorf("specify --at, --delay, or --cron")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			id := uuid.NewString()
			err = st.SaveScheduled(cmd.Context(), store.ScheduledRecord{
				ID: id,
				MessageData: map[string]interface{}{
					"to_channel": string(ch),
					"target":     args[1],
					"content":    args[2],
				},
				ScheduledAt: at,
				CreatedAt:   time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("save schedule: %w", err)
			}

			fmt.Printf("Scheduled: %s\n", id)
			fmt.Printf("  At: %s\n", at.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&atStr, "at", "", "send at a fixed time (ISO 8601)")
	cmd.Flags().IntVar(&delaySec, "delay", 0, "send after this many seconds")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "send at the next time matching a cron expression")
	cmd.MarkFlagsMutuallyExclusive("at", "delay", "cron")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.GetScheduled(cmd.Context(), status, 50)
			if err != nil {
				return fmt.Errorf("load schedules: %w", err)
			}

			fmt.Printf("Scheduled messages (%d)\n", len(entries))
			for _, e := range entries {
				data, _ := json.Marshal(e.MessageData)
				fmt.Printf("  %-9s %s -> %s\n", e.Status, e.ID, e.ScheduledAt.UTC().Format(time.RFC3339))
				fmt.Printf("            %s\n", runewidth.Truncate(string(data), 70, "..."))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, executed)")
	return cmd
}

func scheduleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a scheduled message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ok, err := st.DeleteScheduled(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel schedule: %w", err)
			}
			if !ok {
				return fmt.Errorf("not found: %s", args[0])
			}
			fmt.Printf("Cancelled: %s\n", args[0])
			return nil
		},
	}
}
