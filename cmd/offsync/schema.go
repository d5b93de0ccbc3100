package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:     "schema",
	GroupID: "inspect",
	Short:   "Inspect the schema registry",
}

var schemaOrderCmd = &cobra.Command{
	Use:   "order",
	Short: "Print entity types in dependency order",
	Long: `Print the entity types in the order tables are created and initial
sync runs: every type appears after the types its foreign keys reference.`,
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := loadRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sorted, err := schema.SortByDependencyOrder(reg.Schemas())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for i, s := range sorted {
			fmt.Printf("%2d. %s%s\n", i+1, s.Name, describeDeps(s))
		}
	},
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the schema registry file",
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := loadRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("✗"), err)
			os.Exit(1)
		}
		version := reg.Version()
		if version == "" {
			version = "unversioned"
		}
		fmt.Printf("%s %s: %d entity types (%d syncable), %s\n", renderPass("✓"),
			cfg.Schema.Path, len(reg.Schemas()), len(reg.Syncable()), version)
	},
}

func describeDeps(s *schema.EntitySchema) string {
	var notes []string
	if deps := s.DependsOn(); len(deps) > 0 {
		notes = append(notes, "depends on "+strings.Join(deps, ", "))
	}
	if !s.Syncable {
		notes = append(notes, "local only")
	}
	if len(notes) == 0 {
		return ""
	}
	return renderMuted(" (" + strings.Join(notes, "; ") + ")")
}

func init() {
	schemaCmd.AddCommand(schemaOrderCmd)
	schemaCmd.AddCommand(schemaValidateCmd)
	rootCmd.AddCommand(schemaCmd)
}
