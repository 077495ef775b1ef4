package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/template"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage message templates",
	}
	cmd.AddCommand(templatesListCmd())
	cmd.AddCommand(templatesAddCmd())
	cmd.AddCommand(templatesRemoveCmd())
	cmd.AddCommand(templatesTestCmd())
	return cmd
}

// openTemplates builds the template engine over the configured directory.
func openTemplates() (*template.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return template.NewEngine(config.ExpandHome(cfg.Templates.Dir))
}

func templatesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()
			eng, err := openTemplates()
			if err != nil {
				return err
			}
			memory, files := eng.List()
			fmt.Println("Templates")
			fmt.Printf("  %-8s %s\n", "Memory:", strings.Join(memory, ", "))
			fmt.Printf("  %-8s %s\n", "Files:", strings.Join(files, ", "))
			return nil
		},
	}
}

func templatesAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <template>",
		Short: "Register a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()
			eng, err := openTemplates()
			if err != nil {
				return err
			}
			if err := eng.Register(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Registered template: %s\n", args[0])
			return nil
		},
	}
}

func templatesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a memory template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()
			eng, err := openTemplates()
			if err != nil {
				return err
			}
			if !eng.Unregister(args[0]) {
				return fmt.Errorf("template not found: %s", args[0])
			}
			fmt.Printf("Removed template: %s\n", args[0])
			return nil
		},
	}
}

func templatesTestCmd() *cobra.Command {
	var varsJSON string

	cmd := &cobra.Command{
		Use:   "test <name>",
		Short: "Render a template with test variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()
			eng, err := openTemplates()
			if err != nil {
				return err
			}

			vars := map[string]interface{}{}
			if varsJSON != "" {
				if err := json.Unmarshal([]byte(varsJSON), &vars); err != nil {
					return fmt.Errorf("parse --vars: %w", err)
				}
			}

			out, err := eng.Render(args[0], vars)
			if err != nil {
				return err
			}
			fmt.Printf("Rendered:\n%s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&varsJSON, "vars", "", "template variables (JSON object)")
	return cmd
}
