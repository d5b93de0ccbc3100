package record_test

import (
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/schema/schematest"
)

func TestDecodeJSON_Post(t *testing.T) {
	payload := `{
		"id": "p1",
		"title": "Hello",
		"published": true,
		"publishedAt": "2024-03-01T12:00:00Z",
		"rating": 4.5,
		"views": 12,
		"status": "DRAFT",
		"_version": 3,
		"_lastChangedAt": 1709294400000,
		"_deleted": false
	}`

	r, err := record.DecodeJSON(schematest.Post(), []byte(payload), nil)
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}

	if r.Version() != 3 {
		t.Errorf("Version() = %d, want 3", r.Version())
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !r.LastChangedAt.Equal(want) {
		t.Errorf("LastChangedAt = %v, want %v", r.LastChangedAt, want)
	}
	if v, _ := r.Get("published"); v.Kind() != record.KindBool {
		t.Errorf("published kind = %s", v.Kind())
	}
	if v, _ := r.Get("status"); v.Kind() != record.KindEnum {
		t.Errorf("status kind = %s", v.Kind())
	}
	if v, _ := r.Get("views"); v.Kind() != record.KindInt {
		t.Errorf("views kind = %s", v.Kind())
	}
	if got := r.Fields(); got[0] != "id" || got[len(got)-1] != "status" {
		t.Errorf("fields should follow schema order, got %v", got)
	}
}

func TestDecodeJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"not json", `{`, record.ErrMalformed},
		{"not an object", `[1,2]`, record.ErrMalformed},
		{"unknown field", `{"id":"p1","color":"red"}`, record.ErrUnknownField},
		{"wrong type", `{"id":"p1","views":"many"}`, record.ErrTypeMismatch},
		{"fractional int", `{"id":"p1","views":1.5}`, record.ErrTypeMismatch},
		{"bad date", `{"id":"p1","publishedAt":"yesterday"}`, record.ErrTypeMismatch},
		{"bad version", `{"id":"p1","_version":"2"}`, record.ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := record.DecodeJSON(schematest.Post(), []byte(tt.payload), nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeJSON error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSON_RoundTripNested(t *testing.T) {
	reg := schema.MustNewRegistry("", schematest.Author(), schematest.Address(), schematest.Tag())

	in := record.New().
		Set("id", record.String("a1")).
		Set("address", record.Nested(record.New().Set("street", record.String("Main")).Set("city", record.String("Oslo")))).
		Set("tags", record.Collection([]*record.Record{
			record.New().Set("label", record.String("go")),
			record.New().Set("label", record.String("sync")),
		})).
		WithVersion(2)
	in.LastChangedAt = time.UnixMilli(1709294400123).UTC()

	data, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	out, err := record.DecodeJSON(reg.MustLookup("Author"), data, reg)
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", out, in)
	}
}

func TestDecodeJSON_NestedWithoutResolver(t *testing.T) {
	_, err := record.DecodeJSON(schematest.Author(), []byte(`{"id":"a1","address":{"street":"x"}}`), nil)
	if !errors.Is(err, record.ErrUnknownField) {
		t.Errorf("expected ErrUnknownField without resolver, got %v", err)
	}
}
