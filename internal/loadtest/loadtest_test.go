package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newHarness(t *testing.T) *Harness {
	t.Helper()
	h, err := NewHarness(context.Background(), filepath.Join(t.TempDir(), "load.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create harness: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRun_Small(t *testing.T) {
	h := newHarness(t)

	cfg := Config{Writers: 4, RecordsPerWriter: 50, Keys: 40, Readers: 2, Seed: 7}
	res, err := h.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Apply.Count != 200 {
		t.Errorf("Expected 200 applied records, got %d", res.Apply.Count)
	}
	if res.Apply.Errors != 0 {
		t.Errorf("Expected no dropped records, got %d", res.Apply.Errors)
	}
	if res.Mismatches != 0 {
		t.Errorf("Expected every key to hold its newest version, got %d mismatches", res.Mismatches)
	}

	o := res.Outcomes
	if got := o.Created + o.Updated + o.Stale; got != 200 {
		t.Errorf("Expected outcomes to add up to 200, got %+v", o)
	}
	if o.Created != res.Rows {
		t.Errorf("Expected one create per stored row, got %d creates for %d rows", o.Created, res.Rows)
	}
	if res.Rows > cfg.Keys {
		t.Errorf("Expected at most %d rows, got %d", cfg.Keys, res.Rows)
	}
	t.Logf("apply p50=%v p99=%v, queries=%d, %.0f records/s", res.Apply.P50, res.Apply.P99, res.Query.Count, res.Throughput)
}

func TestRun_SingleKeyKeepsNewest(t *testing.T) {
	h := newHarness(t)

	res, err := h.Run(context.Background(), Config{Writers: 8, RecordsPerWriter: 25, Keys: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Rows != 1 {
		t.Errorf("Expected 1 row, got %d", res.Rows)
	}
	if res.Mismatches != 0 {
		t.Errorf("Expected the newest version to win, got %d mismatches", res.Mismatches)
	}
	if res.Outcomes.Created != 1 {
		t.Errorf("Expected exactly 1 create, got %d", res.Outcomes.Created)
	}
}

func TestRun_RepeatedRunsOverwrite(t *testing.T) {
	h := newHarness(t)
	cfg := Config{Writers: 2, RecordsPerWriter: 20, Keys: 10, Seed: 1}

	if _, err := h.Run(context.Background(), cfg); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	// Versions restart at 1, so at least the first record of the second run is stale.
	res, err := h.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if res.Outcomes.Created != 0 {
		t.Errorf("Expected no creates on the second run, got %d", res.Outcomes.Created)
	}
	if res.Outcomes.Stale == 0 {
		t.Error("Expected stale discards on the second run")
	}
}

func TestRun_CanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Run(ctx, DefaultConfig()); err == nil {
		t.Fatal("Expected an error for a canceled context")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"no readers", Config{Writers: 1, RecordsPerWriter: 1, Keys: 1}, true},
		{"no writers", Config{RecordsPerWriter: 1, Keys: 1}, false},
		{"no records", Config{Writers: 1, Keys: 1}, false},
		{"no keys", Config{Writers: 1, RecordsPerWriter: 1}, false},
		{"negative readers", Config{Writers: 1, RecordsPerWriter: 1, Keys: 1, Readers: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(durations)

	if s.Count != 100 {
		t.Errorf("Count = %d, want 100", s.Count)
	}
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v, want 1ms/100ms", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", s.P99)
	}
	if durations[0] != 100*time.Millisecond {
		t.Error("computeLatencyStats must not reorder its input")
	}

	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("empty Count = %d, want 0", empty.Count)
	}
}
