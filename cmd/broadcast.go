package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/message"
)

// broadcastTarget is one channel/target pair from the --targets JSON array.
type broadcastTarget struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

func broadcastCmd() *cobra.Command {
	var (
		targetsJSON string
		tmplName    string
	)

	cmd := &cobra.Command{
		Use:   "broadcast <text>",
		Short: "Send the same message to several channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			var targets []broadcastTarget
			if err := json.Unmarshal([]byte(targetsJSON), &targets); err != nil {
				return fmt.Errorf("parse --targets: %w", err)
			}
			if len(targets) == 0 {
				return fmt.Errorf("--targets must list at least one channel/target pair")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gw, st, err := buildGateway(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sent, failed := 0, 0
			for _, t := range targets {
				ch, err := message.ParseChannel(t.Channel)
				if err != nil {
					failed++
					fmt.Printf("  %s:%s failed: %v\n", t.Channel, t.Target, err)
					continue
				}
				msg := message.New(ch, args[0], t.Target)
				msg.Template = tmplName

				res := gw.Send(cmd.Context(), msg)
				if res.Success {
					sent++
				} else {
					failed++
					fmt.Printf("  %s:%s failed: %s\n", t.Channel, t.Target, res.Error)
				}
			}

			fmt.Printf("Broadcast: %d sent, %d failed\n", sent, failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetsJSON, "targets", "", `targets JSON: [{"channel":"telegram","target":"123"}]`)
	cmd.Flags().StringVar(&tmplName, "template", "", "template name to render")
	cmd.MarkFlagRequired("targets")
	return cmd
}
