package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/coordinator"
	"github.com/steveyegge/offsync/internal/dashboard"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/logging"
	"github.com/steveyegge/offsync/internal/remote"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The engine:
  1. Creates or migrates the local tables for the schema registry
  2. Pulls every syncable entity type, parents before children
  3. Opens a live subscription per fully synced type
  4. Applies remote changes as they arrive

With --dashboard (or dashboard.enabled), lifecycle and mutation events are
broadcast to WebSocket clients on /ws. Editing the config file while running
changes the log level without a restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		if addr, _ := cmd.Flags().GetString("dashboard"); addr != "" {
			cfg.Dashboard.Enabled = true
			cfg.Dashboard.Addr = addr
		}
		if cfg.Remote.BaseURL == "" {
			fmt.Fprintf(os.Stderr, "Error: remote.base_url is not configured\n")
			os.Exit(1)
		}

		reg, err := loadRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		store, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		httpCfg := cfg.Remote
		httpCfg.Logger = logger
		client, err := remote.NewHTTPClient(httpCfg, reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating remote client: %v\n", err)
			os.Exit(1)
		}

		coord, err := coordinator.New(reg, store, client, coordinator.Options{
			Logger:         logger,
			Sync:           cfg.Sync.Config,
			QueueSize:      cfg.Sync.QueueSize,
			ResyncSchedule: cfg.ResyncSchedule(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating coordinator: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		loader.Watch(logger, func(next *config.Config) {
			if err := logging.SetLevel(logLevel, next.Logging.Level); err != nil {
				logger.Warn("failed to apply log level", zap.Error(err))
				return
			}
			logger.Info("log level updated", zap.String("level", next.Logging.Level))
		})

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: logger,
				Status: coord,
			})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			handler := dashboard.NewHandler(server, logger)
			go handler.Run(ctx, coord.Lifecycle(), coord.Mutations())
			fmt.Printf("Dashboard: http://%s (WebSocket ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		}

		progress := coord.Lifecycle().Subscribe(ctx)
		if err := coord.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Syncing %s with %s\n", renderAccent("→"), cfg.Storage.Path, cfg.Remote.BaseURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")
		reportProgress(ctx, progress)

		fmt.Println("\nShutting down...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := coord.Close(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		if server != nil {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			}
		}
		fmt.Printf("%s Stopped\n", renderPass("✓"))
	},
}

// reportProgress prints the lifecycle milestones until ctx ends.
func reportProgress(ctx context.Context, ch <-chan events.LifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.ModelSynced:
				fmt.Printf("%s %s synced (+%d ~%d -%d)\n", renderPass("✓"), ev.Entity,
					ev.Stats.Added, ev.Stats.Updated, ev.Stats.Deleted)
			case events.SyncError:
				if ev.Entity != "" {
					fmt.Printf("%s %s: %v\n", renderFail("✗"), ev.Entity, ev.Err)
				}
			case events.SubscriptionsEstablished:
				fmt.Printf("%s Subscribed: %v\n", renderAccent("↻"), ev.Entities)
			case events.Ready:
				fmt.Printf("%s Ready\n", renderPass("✓"))
			}
		}
	}
}

func init() {
	runCmd.Flags().String("dashboard", "", "serve the dashboard on this address (e.g. :8080)")
	rootCmd.AddCommand(runCmd)
}
