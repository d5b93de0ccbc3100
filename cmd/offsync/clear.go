package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "maint",
	Short:   "Wipe the local store",
	Long: `Delete every local record and all sync metadata.

The next 'offsync run' performs a full initial sync for every entity type.
Asks for confirmation on a terminal; pass --yes when running from scripts.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			if !isTerminal(os.Stdin) {
				fmt.Fprintf(os.Stderr, "Error: refusing to clear without --yes when stdin is not a terminal\n")
				os.Exit(1)
			}
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Delete all local data in %s?", cfg.Storage.Path)).
				Description("Unsynced local edits are lost.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&yes).
				Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !yes {
				fmt.Println("Cancelled")
				return
			}
		}

		store, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx := context.Background()
		if reg, err := loadRegistry(); err == nil {
			if _, err := store.SetUpRegistry(ctx, reg); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		if err := store.Clear(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing store: %v\n", err)
			os.Exit(1)
		}
		if err := store.InvalidateSyncMetadata(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error invalidating sync metadata: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cleared %s\n", renderPass("✓"), cfg.Storage.Path)
	},
}

func init() {
	clearCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(clearCmd)
}
