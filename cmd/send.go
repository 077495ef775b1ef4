package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/message"
)

func sendCmd() *cobra.Command {
	var (
		tmplName  string
		varsJSON  string
		priority  int
		subject   string
		parseMode string
	)

	cmd := &cobra.Command{
		Use:   "send <channel> <target> <text>",
		Short: "Send a message through one channel",
		Long:  "Send text to a target (chat id, phone number, email address, or webhook URL). With --template the text argument is ignored and the rendered template becomes the content.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			ch, err := message.ParseChannel(args[0])
			if err != nil {
				return err
			}
			prio, err := message.ParsePriority(priority)
			if err != nil {
				return err
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

			msg := message.New(ch, args[2], args[1])
			msg.Priority = prio
			msg.Template = tmplName
			if varsJSON != "" {
				if err := json.Unmarshal([]byte(varsJSON), &msg.TemplateVars); err != nil {
					return fmt.Errorf("parse --vars: %w", err)
				}
			}
			if subject != "" || parseMode != "" {
				msg.Metadata = map[string]interface{}{}
				if subject != "" {
					msg.Metadata["subject"] = subject
				}
				if parseMode != "" {
					msg.Metadata["parse_mode"] = parseMode
				}
			}

			res := gw.Send(cmd.Context(), msg)
			if !res.Success {
				fmt.Printf("Failed: %s\n", res.Error)
				os.Exit(1)
			}
			fmt.Printf("Sent via %s to %s\n", ch, args[1])
			fmt.Printf("  Message ID: %s\n", msg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&tmplName, "template", "", "template name to render")
	cmd.Flags().StringVar(&varsJSON, "vars", "", "template variables (JSON object)")
	cmd.Flags().IntVar(&priority, "priority", 5, "message priority (0, 5, 8, or 10)")
	cmd.Flags().StringVar(&subject, "subject", "", "email subject")
	cmd.Flags().StringVar(&parseMode, "parse-mode", "", "Telegram parse mode override")
	return cmd
}
