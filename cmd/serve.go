package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/gateway"
	"github.com/nextlevelbuilder/omnigate/internal/telemetry"
	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server (REST API + WebSocket events)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Gateway.Debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, gateway.Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			shutdownTracing(shutdownCtx)
		}()
	}

	gw, st, err := buildGateway(cfg)
	if err != nil {
		slog.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := gw.RestoreState(ctx); err != nil {
		slog.Warn("state restore incomplete", "error", err)
	}

	gw.Scheduler().Start(ctx)
	gw.StartScheduleSweep(ctx)

	if cfg.Templates.WatchEnabled() {
		go func() {
			if err := gw.Templates().Watch(ctx); err != nil {
				slog.Warn("template watcher unavailable", "error", err)
			}
		}()
	}

	server := gateway.NewServer(gw)

	// Liveness heartbeat for event-stream consumers.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				server.BroadcastEvent(protocol.NewEvent(protocol.EventHealth, map[string]interface{}{
					"status":   "ok",
					"channels": len(gw.ActiveChannels()),
				}))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(protocol.NewEvent(protocol.EventShutdown, nil))
		gw.Scheduler().Stop()
		cancel()
	}()

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("omnigate ready", "version", gateway.Version, "mode", mode)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
