package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/loadtest"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure reconciliation latency under concurrent load",
	Long: `Run concurrent remote writers through the reconciliation queue while
local readers query the same store, then report apply and query latency.

The run uses a scratch database unless --path is given. Afterwards every
key is checked against the newest version written for it; the command
exits 1 if any key holds an older version.

Examples:
  # Default run: 8 writers, 250 records each, 4 readers
  offsync bench

  # Heavy contention on a small key space
  offsync bench --writers 32 --keys 50

  # Output results as JSON
  offsync bench --json`,
	Run: runBench,
}

func init() {
	def := loadtest.DefaultConfig()
	benchCmd.Flags().Int("writers", def.Writers, "Number of concurrent remote writers")
	benchCmd.Flags().Int("records", def.RecordsPerWriter, "Records enqueued per writer")
	benchCmd.Flags().Int("keys", def.Keys, "Size of the key space")
	benchCmd.Flags().Int("readers", def.Readers, "Number of concurrent local readers")
	benchCmd.Flags().Int64("seed", def.Seed, "Random seed for key selection")
	benchCmd.Flags().String("path", "", "Database to benchmark against (default: scratch file)")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	ok, err := bench(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

// bench runs one load pass and reports whether every key converged.
func bench(cmd *cobra.Command) (bool, error) {
	bc := loadtest.DefaultConfig()
	bc.Writers, _ = cmd.Flags().GetInt("writers")
	bc.RecordsPerWriter, _ = cmd.Flags().GetInt("records")
	bc.Keys, _ = cmd.Flags().GetInt("keys")
	bc.Readers, _ = cmd.Flags().GetInt("readers")
	bc.Seed, _ = cmd.Flags().GetInt64("seed")
	bc.QueueSize = cfg.Sync.QueueSize
	path, _ := cmd.Flags().GetString("path")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if err := bc.Validate(); err != nil {
		return false, err
	}

	if path == "" {
		dir, err := os.MkdirTemp("", "offsync-bench-")
		if err != nil {
			return false, err
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "bench.db")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := loadtest.NewHarness(ctx, path, logger)
	if err != nil {
		return false, err
	}
	defer h.Close()

	res, err := h.Run(ctx, bc)
	if err != nil {
		return false, err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Println(string(data))
	} else {
		printBench(res)
	}
	return res.Mismatches == 0, nil
}

func printBench(res *loadtest.Result) {
	c := res.Config
	fmt.Printf("%s %d writers × %d records over %d keys, %d readers\n\n",
		renderAccent("Load run:"), c.Writers, c.RecordsPerWriter, c.Keys, c.Readers)

	fmt.Println(renderTable(
		[]string{"", "Count", "Errors", "Min", "P50", "Mean", "P95", "P99", "Max"},
		[][]string{
			latencyRow("apply", res.Apply),
			latencyRow("query", res.Query),
		},
	))

	o := res.Outcomes
	fmt.Printf("\nOutcomes: %d created, %d updated, %d stale, %d dropped\n", o.Created, o.Updated, o.Stale, o.Dropped)
	fmt.Printf("Elapsed:  %v (%.0f records/s), %d rows stored\n", res.Elapsed.Round(time.Millisecond), res.Throughput, res.Rows)

	if res.Mismatches > 0 {
		fmt.Printf("%s %d keys do not hold their newest version\n", renderFail("✗"), res.Mismatches)
		return
	}
	fmt.Printf("%s every key holds its newest version\n", renderPass("✓"))
}

func latencyRow(name string, s loadtest.LatencyStats) []string {
	return []string{
		name,
		fmt.Sprint(s.Count),
		fmt.Sprint(s.Errors),
		formatLatency(s.Min),
		formatLatency(s.P50),
		formatLatency(s.Mean),
		formatLatency(s.P95),
		formatLatency(s.P99),
		formatLatency(s.Max),
	}
}

func formatLatency(d time.Duration) string {
	if d == 0 {
		return renderMuted("-")
	}
	return d.Round(time.Microsecond).String()
}
