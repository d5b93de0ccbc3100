package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show local store and sync metadata",
	Long: `Display the state of the local store.

Shows:
  - Store location and schema version
  - Per entity type: record count, cursor, last sync times and whether the
    initial sync completed`,
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
			fmt.Printf("\n%s Local store not initialized\n", renderWarn("⚠"))
			fmt.Printf("   Run 'offsync run' to create it\n\n")
			return
		}

		store, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx := context.Background()
		// Register the tables without the version check so status never
		// clears the store.
		var schemas []*schema.EntitySchema
		if reg, err := loadRegistry(); err == nil {
			schemas = reg.Schemas()
		} else {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if _, err := store.SetUp(ctx, schemas); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		version, err := store.SchemaVersion(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading schema version: %v\n", err)
			os.Exit(1)
		}
		metadata, err := store.ListSyncMetadata(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync metadata: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Local Store Status\n\n", renderAccent("■"))
		fmt.Printf("Location: %s\n", cfg.Storage.Path)
		if version == "" {
			version = renderMuted("unversioned")
		}
		fmt.Printf("Schema version: %s\n\n", version)

		if len(metadata) == 0 {
			fmt.Printf("%s No entity type has synced yet\n\n", renderMuted("·"))
			return
		}
		fmt.Println(renderTable(
			[]string{"Entity", "Records", "Synced", "Cursor", "Last sync", "Last full sync"},
			statusRows(ctx, store, metadata),
		))
		fmt.Println()
	},
}

func statusRows(ctx context.Context, store *db.DB, metadata []*db.SyncMetadata) [][]string {
	rows := make([][]string, 0, len(metadata))
	for _, md := range metadata {
		count := renderMuted("-")
		if n, err := store.Count(ctx, md.Entity); err == nil {
			count = fmt.Sprintf("%d", n)
		}
		synced := renderWarn("no")
		if md.IsFullySynced {
			synced = renderPass("yes")
		}
		cursor := renderMuted("-")
		if md.Cursor != nil {
			cursor = *md.Cursor
		}
		rows = append(rows, []string{
			md.Entity, count, synced, cursor,
			formatSince(md.LastSyncAt), formatSince(md.LastFullSyncAt),
		})
	}
	return rows
}

func formatSince(t *time.Time) string {
	if t == nil {
		return renderMuted("never")
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format("2006-01-02 15:04:05"),
		time.Since(*t).Round(time.Second))
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
