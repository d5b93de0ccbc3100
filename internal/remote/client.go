// Package remote defines the boundary to the remote sync endpoint: paged
// listing for initial sync and a live subscription per entity type.
package remote

import (
	"context"
	"time"

	"github.com/steveyegge/offsync/internal/record"
)

// Page is one page of a listing.
type Page struct {
	Records []*record.Record
	// NextCursor is nil on the last page.
	NextCursor *string
	StartedAt  time.Time
}

// Client is implemented by remote sync endpoints. Errors are
// *syncerr.SyncError values.
type Client interface {
	ListPage(ctx context.Context, entity string, cursor *string, limit int) (*Page, error)
	Subscribe(ctx context.Context, entity string) (Subscription, error)
}

// Subscription is a live feed of remote changes for one entity type.
//
// Records is closed when the subscription ends. Stream errors are reported
// on Errors without ending the subscription.
type Subscription interface {
	Records() <-chan *record.Record
	Errors() <-chan error
	Close() error
}
