package queue

import "errors"

// Domain errors.
var (
	// ErrNotFound is returned for lookups of unknown item ids.
	ErrNotFound = errors.New("queue item not found")

	// ErrDuplicateItem is returned by the store when inserting an id that
	// already exists. The coordinator absorbs it into the idempotent
	// already-queued response and never surfaces it to callers.
	ErrDuplicateItem = errors.New("queue item already exists")

	// ErrInvalidItem is returned for enqueue requests missing required
	// fields. No write is performed.
	ErrInvalidItem = errors.New("invalid queue item")

	// ErrVersionConflict is returned by the store when an update carries a
	// stale version, meaning a concurrent invocation already transitioned
	// the item.
	ErrVersionConflict = errors.New("queue item modified concurrently")

	// ErrNotFailed is returned when resetting an item that is not in the
	// failed state.
	ErrNotFailed = errors.New("queue item is not failed")
)
