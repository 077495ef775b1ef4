package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/store"
)

func historyCmd() *cobra.Command {
	var (
		channel string
		status  string
		target  string
		limit   int
		format  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query message delivery history",
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

			msgs, err := st.QueryMessages(cmd.Context(), store.QueryFilter{
				Channel: channel,
				Status:  status,
				Target:  target,
				Limit:   limit,
			})
			if err != nil {
				return fmt.Errorf("query messages: %w", err)
			}

			if format == "json" {
				data, err := json.MarshalIndent(msgs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Message history (%d results)\n", len(msgs))
			for _, m := range msgs {
				preview := runewidth.Truncate(strings.ReplaceAll(m.Content, "\n", " "), 40, "...")
				fmt.Printf("  %-8s [%s] %s: %s\n", m.Status, m.ToChannel, m.Target, preview)
				fmt.Printf("           ID: %s | %s\n", m.ID, m.CreatedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "filter by channel")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&target, "target", "", "filter by target")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}
