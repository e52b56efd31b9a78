// Package remote defines the wire contract to the remote document store
// and its HTTP/JSON + websocket implementation. The remote is addressable
// per (collection, id), supports batched multi-document writes, a
// changed-since query ordered by lastModified, and a subscribe-for-changes
// stream.
package remote

import (
	"context"

	"github.com/nekay/nekaysync/internal/models"
)

// Store is the remote document store as seen by the sync core.
type Store interface {
	// Ping verifies actual reachability, not just link state.
	Ping(ctx context.Context) error

	// Get fetches a single document. common.ErrNotFound when absent.
	Get(ctx context.Context, kind models.Kind, id string) (*models.Record, error)

	// Put upserts a single document keyed by its id.
	Put(ctx context.Context, kind models.Kind, rec *models.Record) error

	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, kind models.Kind, id string) error

	// BatchPut upserts the given documents as one atomic batch: either
	// every document commits or none do.
	BatchPut(ctx context.Context, kind models.Kind, recs []*models.Record) error

	// ChangedSince returns documents modified strictly after the given
	// epoch-millisecond stamp, in ascending lastModified order.
	ChangedSince(ctx context.Context, kind models.Kind, since int64) ([]*models.Record, error)
}

// DeltaType classifies an inbound realtime change.
type DeltaType string

const (
	DeltaAdded    DeltaType = "added"
	DeltaModified DeltaType = "modified"
	DeltaRemoved  DeltaType = "removed"
)

// Delta is one remote change. Record is nil for removals; ID is always set.
type Delta struct {
	Type   DeltaType      `json:"type"`
	Kind   models.Kind    `json:"collection"`
	ID     string         `json:"id"`
	Record *models.Record `json:"record,omitempty"`
}

// Watcher yields realtime deltas for a collection. The returned channel
// closes when the context is cancelled or the connection drops; callers
// resubscribe as part of the next full sync.
type Watcher interface {
	Watch(ctx context.Context, kind models.Kind) (<-chan Delta, error)
}
