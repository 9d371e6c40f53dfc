package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/AYHALOUI/retry-queue/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(id, entityType string) *queue.Item {
	return &queue.Item{
		ID:         id,
		EntityType: entityType,
		Data:       json.RawMessage(`{"k":"v"}`),
		Status:     queue.StatusPending,
		CreatedAt:  time.Now(),
		NextRetry:  time.Now(),
	}
}

func TestStore_Insert(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	item := newItem("a", "contact")
	require.NoError(t, store.Insert(ctx, item))
	assert.Equal(t, int64(1), item.Version)

	err := store.Insert(ctx, newItem("a", "contact"))
	assert.ErrorIs(t, err, queue.ErrDuplicateItem)
}

func TestStore_Get_CopiesItem(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))

	first, err := store.Get(ctx, "a")
	require.NoError(t, err)

	// Mutating the returned item must not affect the stored one
	first.Status = queue.StatusFailed
	first.RetryCount = 99

	second, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, second.Status)
	assert.Equal(t, 0, second.RetryCount)
}

func TestStore_Get_NotFound(t *testing.T) {
	store := NewStore()

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestStore_Update(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))

	completed := queue.StatusCompleted
	count := 1
	now := time.Now()
	updated, err := store.Update(ctx, "a", 1, queue.Mutation{
		Status:      &completed,
		RetryCount:  &count,
		CompletedAt: &now,
	})
	require.NoError(t, err)

	assert.Equal(t, queue.StatusCompleted, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.NotNil(t, updated.CompletedAt)
	assert.Equal(t, int64(2), updated.Version)
}

func TestStore_Update_VersionConflict(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))

	count := 1
	_, err := store.Update(ctx, "a", 1, queue.Mutation{RetryCount: &count})
	require.NoError(t, err)

	// Writing again with the stale version must fail
	_, err = store.Update(ctx, "a", 1, queue.Mutation{RetryCount: &count})
	assert.ErrorIs(t, err, queue.ErrVersionConflict)

	_, err = store.Update(ctx, "missing", 1, queue.Mutation{RetryCount: &count})
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestStore_Update_ClearsTerminalTimestamps(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))

	failed := queue.StatusFailed
	now := time.Now()
	_, err := store.Update(ctx, "a", 1, queue.Mutation{Status: &failed, FailedAt: &now})
	require.NoError(t, err)

	pending := queue.StatusPending
	updated, err := store.Update(ctx, "a", 2, queue.Mutation{Status: &pending, ClearFailedAt: true})
	require.NoError(t, err)

	assert.Nil(t, updated.FailedAt)
	assert.Equal(t, queue.StatusPending, updated.Status)
}

func TestStore_Remove(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))

	removed, err := store.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	// Removing again is not an error at this layer
	removed, err = store.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_List_Filters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))
	require.NoError(t, store.Insert(ctx, newItem("b", "deal")))

	failed := queue.StatusFailed
	_, err := store.Update(ctx, "b", 1, queue.Mutation{Status: &failed})
	require.NoError(t, err)

	all, err := store.List(ctx, queue.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := store.List(ctx, queue.Filter{Status: queue.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	deals, err := store.List(ctx, queue.Filter{EntityType: "deal"})
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, "b", deals[0].ID)

	none, err := store.List(ctx, queue.Filter{Status: queue.StatusPending, EntityType: "deal"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_FindDue(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	due := newItem("due", "contact")
	due.NextRetry = now.Add(-time.Minute)
	require.NoError(t, store.Insert(ctx, due))

	future := newItem("future", "contact")
	future.NextRetry = now.Add(time.Hour)
	require.NoError(t, store.Insert(ctx, future))

	done := newItem("done", "contact")
	done.NextRetry = now.Add(-time.Minute)
	require.NoError(t, store.Insert(ctx, done))
	completed := queue.StatusCompleted
	_, err := store.Update(ctx, "done", 1, queue.Mutation{Status: &completed})
	require.NoError(t, err)

	items, err := store.FindDue(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "due", items[0].ID)
}

func TestStore_FindDue_Limit(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		item := newItem(id, "contact")
		item.NextRetry = now.Add(-time.Minute)
		require.NoError(t, store.Insert(ctx, item))
	}

	items, err := store.FindDue(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestStore_ResetFailed(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))
	require.NoError(t, store.Insert(ctx, newItem("b", "contact")))

	failed := queue.StatusFailed
	count := 3
	reason := "exhausted"
	failedAt := time.Now()
	_, err := store.Update(ctx, "a", 1, queue.Mutation{
		Status:     &failed,
		RetryCount: &count,
		Reason:     &reason,
		FailedAt:   &failedAt,
	})
	require.NoError(t, err)

	now := time.Now()
	n, err := store.ResetFailed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Empty(t, item.Reason)
	assert.Nil(t, item.FailedAt)
	assert.Equal(t, now, item.NextRetry)
}

func TestStore_Stats(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newItem("a", "contact")))
	require.NoError(t, store.Insert(ctx, newItem("b", "deal")))

	failed := queue.StatusFailed
	count := 3
	_, err := store.Update(ctx, "b", 1, queue.Mutation{Status: &failed, RetryCount: &count})
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["pending"])
	assert.Equal(t, 1, stats.ByStatus["failed"])
	assert.Equal(t, 1, stats.ByEntityType["contact"])
	assert.Equal(t, 1, stats.ByEntityType["deal"])
	assert.Equal(t, 1, stats.ByRetryCount["0"])
	assert.Equal(t, 1, stats.ByRetryCount["3+"])
}

func TestStore_PurgeTerminal(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	old := newItem("old", "contact")
	require.NoError(t, store.Insert(ctx, old))
	completed := queue.StatusCompleted
	oldStamp := now.Add(-48 * time.Hour)
	_, err := store.Update(ctx, "old", 1, queue.Mutation{Status: &completed, CompletedAt: &oldStamp})
	require.NoError(t, err)

	fresh := newItem("fresh", "contact")
	require.NoError(t, store.Insert(ctx, fresh))
	freshStamp := now.Add(-time.Hour)
	_, err = store.Update(ctx, "fresh", 1, queue.Mutation{Status: &completed, CompletedAt: &freshStamp})
	require.NoError(t, err)

	pending := newItem("pending", "contact")
	require.NoError(t, store.Insert(ctx, pending))

	n, err := store.PurgeTerminal(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "pending")
	assert.NoError(t, err)
}
