package main

import (
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema/schematest"
)

func TestBuildPredicate(t *testing.T) {
	reg := schematest.Registry()
	post, _ := reg.Lookup("Post")
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	pred, err := buildPredicate(post, reg,
		[]string{"blogID=b1", "published=true", "views=10", "title=42"},
		"2024-05-31T00:00:00Z", 5, now)
	if err != nil {
		t.Fatalf("buildPredicate: %v", err)
	}
	if pred.Limit != 5 {
		t.Errorf("Limit = %d, want 5", pred.Limit)
	}
	want := map[string]record.Value{
		"blogID":    record.String("b1"),
		"published": record.Bool(true),
		"views":     record.Int(10),
		"title":     record.String("42"),
	}
	for name, v := range want {
		if got := pred.Equals[name]; !got.Equal(v) {
			t.Errorf("Equals[%s] = %v, want %v", name, got, v)
		}
	}
	if !pred.ChangedSince.Equal(time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ChangedSince = %v", pred.ChangedSince)
	}
}

func TestBuildPredicate_Errors(t *testing.T) {
	reg := schematest.Registry()
	post, _ := reg.Lookup("Post")
	now := time.Now()

	tests := []struct {
		name  string
		where []string
		since string
	}{
		{"missing equals", []string{"blogID"}, ""},
		{"unknown field", []string{"author=x"}, ""},
		{"wrong type", []string{"views=many"}, ""},
		{"bad time", nil, "banana"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildPredicate(post, reg, tt.where, tt.since, 0, now); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseTime_NaturalLanguage(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseTime("2 hours ago", now)
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if want := now.Add(-2 * time.Hour); !got.Equal(want) {
		t.Errorf("parseTime(2 hours ago) = %v, want %v", got, want)
	}
}
