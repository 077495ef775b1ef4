package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/bootstrap"
	"github.com/nextlevelbuilder/omnigate/internal/config"
)

// channelEnvVars lists the environment variables each channel needs.
// Credentials are env-only and never written to the config file.
var channelEnvVars = map[string][]string{
	"telegram": {"TELEGRAM_TOKEN          Telegram bot token"},
	"whatsapp": {
		"WHATSAPP_TOKEN          WhatsApp Cloud API token",
		"WHATSAPP_PHONE_ID       WhatsApp phone number ID",
	},
	"discord": {"DISCORD_WEBHOOK         Discord webhook URL"},
	"slack":   {"SLACK_WEBHOOK           Slack incoming webhook URL"},
	"email": {
		"SMTP_HOST               SMTP server host",
		"SMTP_USER               SMTP username",
		"SMTP_PASS               SMTP password",
		"SMTP_FROM               sender address",
	},
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()
			return runInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(force bool) error {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !force {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Aborted.")
			return nil
		}
	}

	defaults := config.Default()
	var (
		host       = defaults.Gateway.Host
		portStr    = strconv.Itoa(defaults.Gateway.Port)
		channels   []string
		mode       = "standalone"
		sqlitePath = defaults.Database.Path
		tmplDir    = defaults.Templates.Dir
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen host").
				Value(&host),
			huh.NewInput().
				Title("Listen port").
				Value(&portStr).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n <= 0 || n > 65535 {
						return fmt.Errorf("port must be 1-65535")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels to enable").
				Description("Webhook delivery is always available. Credentials come from environment variables.").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("WhatsApp", "whatsapp"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Slack", "slack"),
					huh.NewOption("Email (SMTP)", "email"),
				).
				Value(&channels),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Message store").
				Options(
					huh.NewOption("SQLite (standalone, single file)", "standalone"),
					huh.NewOption("PostgreSQL (managed, shared)", "managed"),
				).
				Value(&mode),
			huh.NewInput().
				Title("SQLite database path").
				Description("Used in standalone mode.").
				Value(&sqlitePath),
			huh.NewInput().
				Title("Template directory").
				Value(&tmplDir),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Gateway.Host = host
	cfg.Gateway.Port, _ = strconv.Atoi(portStr)
	cfg.Database.Mode = mode
	cfg.Database.Path = sqlitePath
	cfg.Templates.Dir = tmplDir
	for _, ch := range channels {
		switch ch {
		case "telegram":
			cfg.Channels.Telegram.Enabled = true
		case "whatsapp":
			cfg.Channels.WhatsApp.Enabled = true
		case "discord":
			cfg.Channels.Discord.Enabled = true
		case "slack":
			cfg.Channels.Slack.Enabled = true
		case "email":
			cfg.Channels.Email.Enabled = true
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Config written to %s\n", cfgPath)

	created, err := bootstrap.SeedTemplates(config.ExpandHome(tmplDir))
	if err != nil {
		fmt.Printf("Could not seed templates: %s\n", err)
	} else if len(created) > 0 {
		fmt.Printf("Starter templates created in %s:", tmplDir)
		for _, name := range created {
			fmt.Printf(" %s", name)
		}
		fmt.Println()
	}

	fmt.Println()
	fmt.Println("Set these environment variables:")
	fmt.Println("  OMNI_API_KEY            gateway API key (required)")
	for _, ch := range channels {
		for _, line := range channelEnvVars[ch] {
			fmt.Printf("  %s\n", line)
		}
	}
	if mode == "managed" {
		fmt.Println("  OMNI_POSTGRES_DSN       Postgres connection string (required in managed mode)")
	}

	fmt.Println()
	fmt.Println("Next steps:")
	if mode == "managed" {
		fmt.Println("  omnigate migrate up")
	}
	fmt.Println("  omnigate doctor")
	fmt.Println("  omnigate serve")
	return nil
}
