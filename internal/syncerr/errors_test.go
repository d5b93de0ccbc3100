package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestStorageError_Is(t *testing.T) {
	cause := errors.New("FOREIGN KEY constraint failed")
	err := fmt.Errorf("failed to save: %w", Storage(ConstraintViolation, "Post", cause))

	if !errors.Is(err, ErrConstraintViolation) {
		t.Error("expected ErrConstraintViolation")
	}
	if errors.Is(err, ErrIOFailure) {
		t.Error("constraint violation should not match ErrIOFailure")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should stay reachable")
	}

	var se *StorageError
	if !errors.As(err, &se) || se.Entity != "Post" {
		t.Errorf("errors.As failed: %+v", se)
	}
}

func TestAggregateError(t *testing.T) {
	agg := &AggregateError{Errors: []*SyncError{
		Sync(NetworkFailure, "Post", errors.New("connection reset")),
		Sync(DecodingFailure, "Comment", errors.New("bad page")),
	}}

	if !errors.Is(agg, ErrNetwork) || !errors.Is(agg, ErrDecoding) {
		t.Error("aggregate should match every wrapped kind")
	}
	if errors.Is(agg, ErrUnauthorized) {
		t.Error("aggregate should not match unauthorized")
	}
	if got := agg.Entities(); len(got) != 2 || got[0] != "Post" || got[1] != "Comment" {
		t.Errorf("Entities() = %v", got)
	}

	var se *SyncError
	if !errors.As(agg, &se) || se.Entity != "Post" {
		t.Errorf("errors.As should find the first sync error, got %+v", se)
	}
}

func TestAsSyncError(t *testing.T) {
	plain := AsSyncError("Blog", errors.New("dial tcp: refused"))
	if plain.Kind != NetworkFailure || plain.Entity != "Blog" {
		t.Errorf("plain error = %+v", plain)
	}

	unauth := AsSyncError("Blog", fmt.Errorf("list: %w", Sync(Unauthorized, "", errors.New("401"))))
	if unauth.Kind != Unauthorized || unauth.Entity != "Blog" {
		t.Errorf("unauthorized = %+v", unauth)
	}
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		retryable   bool
		recordFatal bool
	}{
		{"nil", nil, false, false},
		{"io", Storage(IOFailure, "Post", errors.New("disk I/O error")), true, false},
		{"network", Sync(NetworkFailure, "Post", errors.New("timeout")), true, false},
		{"unauthorized", Sync(Unauthorized, "Post", errors.New("403")), false, false},
		{"constraint", Storage(ConstraintViolation, "Post", errors.New("fk")), false, true},
		{"schema", Storage(SchemaMismatch, "Post", errors.New("field")), false, true},
		{"decoding", Sync(DecodingFailure, "Post", errors.New("json")), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsRecordFatal(tt.err); got != tt.recordFatal {
				t.Errorf("IsRecordFatal() = %v, want %v", got, tt.recordFatal)
			}
		})
	}
}
