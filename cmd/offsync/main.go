// Command offsync runs and inspects the offline-first sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/logging"
	"github.com/steveyegge/offsync/internal/schema"
)

var (
	cfgFile  string
	loader   *config.Loader
	cfg      *config.Config
	logger   = zap.NewNop()
	logLevel zap.AtomicLevel
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first sync engine",
	Long: `offsync keeps a local SQLite store in sync with a remote sync service.

It pulls every entity type declared in the schema file, applies remote
changes with last-writer-wins on the sync version, and keeps live
subscriptions open so local data stays current.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader = config.NewLoader()
		for key, name := range map[string]string{
			"storage.path":  "db",
			"schema.path":   "schema",
			"logging.level": "log-level",
		} {
			if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}

		var err error
		cfg, err = loader.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, logLevel, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		if file := loader.ConfigFile(); file != "" {
			logger.Debug("loaded config", zap.String("file", file))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./offsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local SQLite store")
	rootCmd.PersistentFlags().String("schema", "", "path to the schema registry file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the configured local store.
func openStore() (*db.DB, error) {
	store, err := db.Open(cfg.Storage.Path, &db.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.Storage.Path, err)
	}
	return store, nil
}

// loadRegistry reads the configured schema registry file.
func loadRegistry() (*schema.Registry, error) {
	reg, err := schema.LoadFile(cfg.Schema.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", cfg.Schema.Path, err)
	}
	return reg, nil
}
