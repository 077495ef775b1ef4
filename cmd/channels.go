package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/gateway"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels and their configuration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gw, err := gateway.NewGateway(cfg)
			if err != nil {
				return err
			}

			status := gw.ChannelStatus()
			fmt.Println("Available channels")
			for _, ch := range message.Channels() {
				state := "disabled"
				if status[string(ch)] {
					state = "enabled"
				}
				fmt.Printf("  %-10s %s\n", string(ch)+":", state)
			}
			return nil
		},
	}
}
