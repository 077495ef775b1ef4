package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/gateway"
	"github.com/nextlevelbuilder/omnigate/internal/store"
	"github.com/nextlevelbuilder/omnigate/internal/store/pg"
	"github.com/nextlevelbuilder/omnigate/internal/store/sqlite"
	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

var (
	cfgFile string
	dbPath  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "omnigate",
	Short: "OmniMessage — unified outbound message gateway",
	Long:  "OmniMessage Gateway: send to Telegram, WhatsApp, Discord, Slack, email, and webhooks through one pipeline with templates, routing rules, rate limiting, retries, and delivery history.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $OMNI_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(broadcastCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(tailCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("omnigate %s (protocol %d)\n", gateway.Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("OMNI_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// loadConfig reads the config file and applies the global --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// openStore opens the message store the config selects: Postgres in managed
// mode, the SQLite file otherwise.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.IsManagedMode() {
		return pg.Open(cfg.Database.PostgresDSN)
	}
	return sqlite.Open(config.ExpandHome(cfg.Database.Path))
}

// buildGateway assembles the dispatch facade with persistence attached.
// Callers own the returned store and must Close it.
func buildGateway(cfg *config.Config) (*gateway.Gateway, store.Store, error) {
	gw, err := gateway.NewGateway(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	gw.SetStore(st)
	return gw, st, nil
}

// cliLogging quiets info-level pipeline chatter so command output stays
// parseable. -v restores debug logging.
func cliLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
