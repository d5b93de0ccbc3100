// Package syncerr defines the errors produced by the storage adapter, the
// remote client and the initial sync.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for each failure kind.
//
// Typed errors match their kind with errors.Is:
//
//	if errors.Is(err, syncerr.ErrConstraintViolation) {
//	    // drop this record, keep going
//	}
var (
	// ErrSchemaMismatch is returned when a record or query does not fit the schema.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrConstraintViolation is returned when a write breaks a storage
	// constraint, typically a foreign key whose parent row is missing.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrIOFailure is returned for storage engine failures.
	ErrIOFailure = errors.New("storage failure")

	// ErrNetwork is returned when the remote cannot be reached or fails.
	ErrNetwork = errors.New("network failure")

	// ErrUnauthorized is returned when the remote rejects the caller for an entity type.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDecoding is returned when a remote payload cannot be decoded.
	ErrDecoding = errors.New("decoding failure")

	// ErrStaleDiscard marks an incoming record that lost to a newer local version.
	// It is expected and never reported as a failure.
	ErrStaleDiscard = errors.New("stale record discarded")
)

// StorageKind classifies a StorageError.
type StorageKind int

const (
	SchemaMismatch StorageKind = iota + 1
	ConstraintViolation
	IOFailure
)

func (k StorageKind) sentinel() error {
	switch k {
	case SchemaMismatch:
		return ErrSchemaMismatch
	case ConstraintViolation:
		return ErrConstraintViolation
	default:
		return ErrIOFailure
	}
}

func (k StorageKind) String() string { return k.sentinel().Error() }

// StorageError is returned by the storage adapter.
type StorageError struct {
	Kind   StorageKind
	Entity string
	Err    error
}

// Storage wraps err as a StorageError of the given kind.
func Storage(kind StorageKind, entity string, err error) *StorageError {
	return &StorageError{Kind: kind, Entity: entity, Err: err}
}

func (e *StorageError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s on %s: %v", e.Kind, e.Entity, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == e.Kind.sentinel() }

// SyncKind classifies a SyncError.
type SyncKind int

const (
	NetworkFailure SyncKind = iota + 1
	Unauthorized
	DecodingFailure
)

func (k SyncKind) sentinel() error {
	switch k {
	case Unauthorized:
		return ErrUnauthorized
	case DecodingFailure:
		return ErrDecoding
	default:
		return ErrNetwork
	}
}

func (k SyncKind) String() string { return k.sentinel().Error() }

// SyncError is returned by the remote client and the initial sync.
type SyncError struct {
	Kind   SyncKind
	Entity string
	Err    error
}

// Sync wraps err as a SyncError of the given kind.
func Sync(kind SyncKind, entity string, err error) *SyncError {
	return &SyncError{Kind: kind, Entity: entity, Err: err}
}

func (e *SyncError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s syncing %s: %v", e.Kind, e.Entity, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool { return target == e.Kind.sentinel() }

// AsSyncError returns err as a *SyncError for entity. Errors that are not
// already sync errors become network failures; the entity is filled in when
// missing.
func AsSyncError(entity string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		if se.Entity == "" {
			return &SyncError{Kind: se.Kind, Entity: entity, Err: se.Err}
		}
		return se
	}
	if errors.Is(err, ErrDecoding) {
		return Sync(DecodingFailure, entity, err)
	}
	return Sync(NetworkFailure, entity, err)
}

// AggregateError collects the per-type failures of one initial sync.
type AggregateError struct {
	Errors []*SyncError
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d entity types failed to sync: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *AggregateError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err
	}
	return out
}

// Entities returns the entity types that failed.
func (e *AggregateError) Entities() []string {
	out := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err.Entity
	}
	return out
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Engine errors such as busy or locked databases are transient
	if errors.Is(err, ErrIOFailure) {
		return true
	}

	// Network failures can recover once connectivity returns
	if errors.Is(err, ErrNetwork) {
		return true
	}

	return false
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsConstraintViolation reports whether err is a constraint violation.
func IsConstraintViolation(err error) bool { return errors.Is(err, ErrConstraintViolation) }

// IsSchemaMismatch reports whether err is a schema mismatch.
func IsSchemaMismatch(err error) bool { return errors.Is(err, ErrSchemaMismatch) }

// IsDecoding reports whether err is a decoding failure.
func IsDecoding(err error) bool { return errors.Is(err, ErrDecoding) }

// IsRecordFatal returns true if the error only condemns the record being
// processed; the worker handling it should drop the record and continue.
func IsRecordFatal(err error) bool {
	if err == nil {
		return false
	}
	return IsConstraintViolation(err) || IsSchemaMismatch(err) || IsDecoding(err)
}
