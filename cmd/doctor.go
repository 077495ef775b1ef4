package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/gateway"
	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/store/pg"
	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

const validateTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and channel health",
		Run: func(cmd *cobra.Command, args []string) {
			cliLogging()
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("omnigate doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", gateway.Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if cfg.Gateway.APIKey == "" || cfg.Gateway.APIKey == "change-me" {
		fmt.Println("  API key:  default (set OMNI_API_KEY)")
	} else {
		fmt.Println("  API key:  set")
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-10s managed\n", "Mode:")
		checkPostgres(cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-10s standalone\n", "Mode:")
		path := config.ExpandHome(cfg.Database.Path)
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("    %-10s %s (created on first use)\n", "Path:", path)
		} else {
			fmt.Printf("    %-10s %s (OK)\n", "Path:", path)
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	gw, err := gateway.NewGateway(cfg)
	if err != nil {
		fmt.Printf("    (could not build gateway: %s)\n", err)
		return
	}
	for _, ch := range message.Channels() {
		checkAdapter(gw, ch)
	}

	fmt.Println()
	dir := config.ExpandHome(cfg.Templates.Dir)
	fmt.Printf("  Templates: %s", dir)
	if _, err := os.Stat(dir); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkAdapter validates one channel with a bounded probe. Validation may
// call the provider API (Telegram getMe, Discord webhook lookup).
func checkAdapter(gw *gateway.Gateway, ch message.Channel) {
	adapter, ok := gw.Registry().Get(ch)
	if !ok {
		return
	}
	if !adapter.Enabled() {
		fmt.Printf("    %-10s disabled\n", string(ch)+":")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()
	if err := adapter.Validate(ctx); err != nil {
		fmt.Printf("    %-10s FAILED (%s)\n", string(ch)+":", err)
		return
	}
	fmt.Printf("    %-10s OK\n", string(ch)+":")
}

func checkPostgres(dsn string) {
	m, err := pg.NewMigrator(dsn)
	if err != nil {
		fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer m.Close()

	v, dirty, err := m.Version()
	switch {
	case err == migrate.ErrNilVersion:
		fmt.Printf("    %-10s connected (no schema, run: omnigate migrate up)\n", "Status:")
	case err != nil:
		fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", err)
	case dirty:
		fmt.Printf("    %-10s v%d (DIRTY, run: omnigate migrate force %d)\n", "Schema:", v, v-1)
	default:
		fmt.Printf("    %-10s v%d (OK)\n", "Schema:", v)
	}
}
