// Package memory provides an in-process implementation of the queue store.
// It backs unit tests and the embedded deployment mode.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AYHALOUI/retry-queue/internal/queue"
)

// Store implements queue.Store with a mutex-guarded map. Items are copied
// on the way in and out so callers never share memory with the store.
type Store struct {
	mu    sync.RWMutex
	items map[string]*queue.Item
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{items: make(map[string]*queue.Item)}
}

// Insert persists a new item.
func (s *Store) Insert(_ context.Context, item *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return queue.ErrDuplicateItem
	}

	stored := item.Clone()
	stored.Version = 1
	s.items[item.ID] = stored
	item.Version = stored.Version
	return nil
}

// Get returns a copy of the item.
func (s *Store) Get(_ context.Context, id string) (*queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return item.Clone(), nil
}

// Update applies a mutation under optimistic version check.
func (s *Store) Update(_ context.Context, id string, expectedVersion int64, mut queue.Mutation) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if item.Version != expectedVersion {
		return nil, queue.ErrVersionConflict
	}

	applyMutation(item, mut)
	item.Version++
	return item.Clone(), nil
}

func applyMutation(item *queue.Item, mut queue.Mutation) {
	if mut.Status != nil {
		item.Status = *mut.Status
	}
	if mut.RetryCount != nil {
		item.RetryCount = *mut.RetryCount
	}
	if mut.Reason != nil {
		item.Reason = *mut.Reason
	}
	if mut.LastRetry != nil {
		t := *mut.LastRetry
		item.LastRetry = &t
	}
	if mut.NextRetry != nil {
		item.NextRetry = *mut.NextRetry
	}
	if mut.CompletedAt != nil {
		t := *mut.CompletedAt
		item.CompletedAt = &t
	}
	if mut.FailedAt != nil {
		t := *mut.FailedAt
		item.FailedAt = &t
	}
	if mut.ClearCompletedAt {
		item.CompletedAt = nil
	}
	if mut.ClearFailedAt {
		item.FailedAt = nil
	}
}

// Remove deletes the item and reports whether it existed.
func (s *Store) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

// List returns items matching the filter.
func (s *Store) List(_ context.Context, f queue.Filter) ([]*queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*queue.Item, 0)
	for _, item := range s.items {
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		if f.EntityType != "" && item.EntityType != f.EntityType {
			continue
		}
		items = append(items, item.Clone())
	}
	return items, nil
}

// FindDue returns up to limit pending items due at or before now.
func (s *Store) FindDue(_ context.Context, now time.Time, limit int) ([]*queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*queue.Item, 0)
	for _, item := range s.items {
		if item.Status != queue.StatusPending {
			continue
		}
		if item.NextRetry.After(now) {
			continue
		}
		items = append(items, item.Clone())
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// ResetFailed moves every failed item back to pending.
func (s *Store) ResetFailed(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, item := range s.items {
		if item.Status != queue.StatusFailed {
			continue
		}
		item.Status = queue.StatusPending
		item.RetryCount = 0
		item.Reason = ""
		item.NextRetry = now
		item.FailedAt = nil
		item.Version++
		count++
	}
	return count, nil
}

// Stats returns counts by status, entity type and retry bucket.
func (s *Store) Stats(_ context.Context) (*queue.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &queue.Stats{
		Total:        len(s.items),
		ByStatus:     make(map[string]int),
		ByEntityType: make(map[string]int),
		ByRetryCount: make(map[string]int),
	}
	for _, item := range s.items {
		stats.ByStatus[string(item.Status)]++
		stats.ByEntityType[item.EntityType]++
		stats.ByRetryCount[queue.RetryBucket(item.RetryCount)]++
	}
	return stats, nil
}

// PurgeTerminal deletes terminal items older than the cutoff.
func (s *Store) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, item := range s.items {
		var terminalAt *time.Time
		switch item.Status {
		case queue.StatusCompleted:
			terminalAt = item.CompletedAt
		case queue.StatusFailed:
			terminalAt = item.FailedAt
		default:
			continue
		}
		if terminalAt == nil || !terminalAt.Before(cutoff) {
			continue
		}
		delete(s.items, id)
		count++
	}
	return count, nil
}
