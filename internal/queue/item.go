// Package queue implements the durable retry queue for failed CRM deliveries.
package queue

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a queue item.
type Status string

// Item statuses. Completed and failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further automatic transitions occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item is a single unit of deferred work: one record whose delivery to the
// downstream CRM failed and is pending retry. The payload is opaque to the
// queue; only the delivery invoker interprets it.
type Item struct {
	ID          string          `json:"id"`
	EntityType  string          `json:"entity_type"`
	Data        json.RawMessage `json:"data"`
	Reason      string          `json:"reason"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	LastRetry   *time.Time      `json:"last_retry,omitempty"`
	NextRetry   time.Time       `json:"next_retry"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`

	// Version increments on every store update and backs the
	// compare-and-swap discipline for concurrent processing.
	Version int64 `json:"-"`
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	c := *i
	if i.Data != nil {
		c.Data = append(json.RawMessage(nil), i.Data...)
	}
	if i.LastRetry != nil {
		t := *i.LastRetry
		c.LastRetry = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	if i.FailedAt != nil {
		t := *i.FailedAt
		c.FailedAt = &t
	}
	return &c
}

// Stats holds queue counts partitioned by status, entity type and retry
// bucket.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByEntityType map[string]int `json:"by_entity_type"`
	ByRetryCount map[string]int `json:"by_retry_count"`
}

// RetryBucket maps a retry count to its stats bucket label (0, 1, 2, 3+).
func RetryBucket(count int) string {
	switch count {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	default:
		return "3+"
	}
}
