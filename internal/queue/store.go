package queue

import (
	"context"
	"time"
)

// Store defines durable keyed persistence for queue items. Writes are
// durable before the call returns. Update is atomic with respect to
// concurrent Update/Remove calls on the same id via version checks.
type Store interface {
	// Insert persists a new item. Returns ErrDuplicateItem if the id exists.
	Insert(ctx context.Context, item *Item) error

	// Get returns the item or ErrNotFound.
	Get(ctx context.Context, id string) (*Item, error)

	// Update applies a partial mutation to the item identified by id,
	// provided its current version equals expectedVersion. Returns the
	// updated item, ErrNotFound if absent, or ErrVersionConflict if the
	// item changed since it was read.
	Update(ctx context.Context, id string, expectedVersion int64, mut Mutation) (*Item, error)

	// Remove deletes the item and reports whether it existed. Removing an
	// absent id is not an error at this layer.
	Remove(ctx context.Context, id string) (bool, error)

	// List returns all items matching the filter, a consistent snapshot at
	// call time.
	List(ctx context.Context, f Filter) ([]*Item, error)

	// FindDue returns up to limit pending items with next_retry <= now.
	// Due items are a set: no ordering is guaranteed.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Item, error)

	// ResetFailed transitions every failed item back to pending with
	// retry_count=0, next_retry=now and a cleared reason. Returns the
	// number of items reset.
	ResetFailed(ctx context.Context, now time.Time) (int64, error)

	// Stats returns counts by status, entity type and retry bucket.
	Stats(ctx context.Context) (*Stats, error)

	// PurgeTerminal deletes completed and failed items whose terminal
	// timestamp is before the cutoff. Returns the number deleted.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// Filter selects items in List queries. Zero-value fields match everything.
type Filter struct {
	Status     Status
	EntityType string
}

// Mutation is a partial update applied by Store.Update. Nil fields are left
// untouched. Clear flags null out optional timestamps when an item leaves a
// terminal state.
type Mutation struct {
	Status      *Status
	RetryCount  *int
	Reason      *string
	LastRetry   *time.Time
	NextRetry   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	ClearCompletedAt bool
	ClearFailedAt    bool
}
