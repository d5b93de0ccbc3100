package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
)

var recordsCmd = &cobra.Command{
	Use:     "records <entity>",
	GroupID: "inspect",
	Short:   "Print local records of one entity type as JSON lines",
	Long: `Query the local store for records of one entity type.

Examples:
  offsync records Post
  offsync records Post --where blogID=b1 --where published=true
  offsync records Comment --changed-since "2 hours ago" --limit 20

--changed-since accepts RFC 3339 timestamps or natural language such as
"yesterday", "last monday" or "3 days ago".`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		entity := args[0]
		since, _ := cmd.Flags().GetString("changed-since")
		where, _ := cmd.Flags().GetStringArray("where")
		limit, _ := cmd.Flags().GetInt("limit")

		reg, err := loadRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		s, ok := reg.Lookup(entity)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown entity type %q\n", entity)
			os.Exit(1)
		}

		pred, err := buildPredicate(s, reg, where, since, limit, time.Now())
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

		ctx := context.Background()
		if _, err := store.SetUp(ctx, reg.Schemas()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		recs, err := store.Query(ctx, entity, pred)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error querying %s: %v\n", entity, err)
			os.Exit(1)
		}

		enc := json.NewEncoder(os.Stdout)
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding record: %v\n", err)
				os.Exit(1)
			}
		}
		if isTerminal(os.Stdout) {
			fmt.Fprintf(os.Stderr, "%s %d %s record(s)\n", renderMuted("·"), len(recs), entity)
		}
	},
}

// buildPredicate turns the command line filters into a query predicate.
func buildPredicate(s *schema.EntitySchema, res record.Resolver, where []string, since string, limit int, now time.Time) (*db.Predicate, error) {
	pred := &db.Predicate{Limit: limit}
	for _, w := range where {
		name, raw, ok := strings.Cut(w, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --where %q (want field=value)", w)
		}
		f, ok := s.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s has no field %q", s.Name, name)
		}
		v, err := parseFieldValue(f, raw, res)
		if err != nil {
			return nil, fmt.Errorf("invalid --where %q: %w", w, err)
		}
		if pred.Equals == nil {
			pred.Equals = make(map[string]record.Value)
		}
		pred.Equals[name] = v
	}
	if since != "" {
		t, err := parseTime(since, now)
		if err != nil {
			return nil, err
		}
		pred.ChangedSince = t
	}
	return pred, nil
}

// parseFieldValue reads raw as JSON when it parses, otherwise as a string.
// String and enum fields always take raw verbatim.
func parseFieldValue(f schema.Field, raw string, res record.Resolver) (record.Value, error) {
	data := []byte(raw)
	textual := f.Type == schema.TypeString || f.Type == schema.TypeEnum
	if textual || !json.Valid(data) {
		data = []byte(strconv.Quote(raw))
	}
	return record.UnmarshalValue(f, data, res)
}

// parseTime accepts RFC 3339 or natural language relative to now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time.UTC(), nil
}

func init() {
	recordsCmd.Flags().String("changed-since", "", "only records changed at or after this time")
	recordsCmd.Flags().StringArray("where", nil, "field=value filter (repeatable)")
	recordsCmd.Flags().IntP("limit", "n", 0, "maximum number of records (0 = all)")
	rootCmd.AddCommand(recordsCmd)
}
