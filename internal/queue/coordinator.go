package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CoordinatorConfig contains retry policy configuration.
type CoordinatorConfig struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	BatchSize      int
}

// DefaultCoordinatorConfig returns the reference retry policy.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxRetries:     3,
		AttemptTimeout: 30 * time.Second,
		BatchSize:      100,
	}
}

// Coordinator owns the item state machine and retry policy. It is the only
// component that transitions item statuses; producers and operators reach
// the store exclusively through it.
type Coordinator struct {
	config  CoordinatorConfig
	store   Store
	invoker Invoker
	backoff Backoff

	now func() time.Time
}

// NewCoordinator creates a coordinator. A nil backoff falls back to the
// fixed default interval.
func NewCoordinator(config CoordinatorConfig, store Store, invoker Invoker, backoff Backoff) *Coordinator {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if backoff == nil {
		backoff = FixedBackoff(DefaultRetryInterval)
	}
	return &Coordinator{
		config:  config,
		store:   store,
		invoker: invoker,
		backoff: backoff,
		now:     time.Now,
	}
}

// EnqueueInput is the producer-facing payload for Enqueue.
type EnqueueInput struct {
	ID         string
	EntityType string
	Data       json.RawMessage
	Reason     string

	// NextRetry overrides the first eligibility time. Zero means now.
	NextRetry time.Time
}

// Enqueue validates and persists a new pending item. A duplicate id is a
// no-op: the existing item is returned with alreadyQueued=true.
func (c *Coordinator) Enqueue(ctx context.Context, in EnqueueInput) (item *Item, alreadyQueued bool, err error) {
	if err := validateInput(in); err != nil {
		recordEnqueue("invalid")
		return nil, false, err
	}

	now := c.now()
	nextRetry := in.NextRetry
	if nextRetry.IsZero() {
		nextRetry = now
	}

	item = &Item{
		ID:         in.ID,
		EntityType: in.EntityType,
		Data:       in.Data,
		Reason:     in.Reason,
		Status:     StatusPending,
		RetryCount: 0,
		CreatedAt:  now,
		NextRetry:  nextRetry,
	}

	if err := c.store.Insert(ctx, item); err != nil {
		if errors.Is(err, ErrDuplicateItem) {
			existing, getErr := c.store.Get(ctx, in.ID)
			if getErr != nil {
				return nil, false, fmt.Errorf("get existing item: %w", getErr)
			}
			recordEnqueue("already_queued")
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("insert item: %w", err)
	}

	recordEnqueue("queued")
	slog.Info("item enqueued",
		"item_id", item.ID,
		"entity_type", item.EntityType,
		"next_retry", item.NextRetry,
	)
	return item, false, nil
}

func validateInput(in EnqueueInput) error {
	var missing []string
	if in.ID == "" {
		missing = append(missing, "id")
	}
	if in.EntityType == "" {
		missing = append(missing, "entity_type")
	}
	if len(in.Data) == 0 {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrInvalidItem, strings.Join(missing, ", "))
	}
	if !json.Valid(in.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidItem)
	}
	return nil
}

// Get returns one item or ErrNotFound.
func (c *Coordinator) Get(ctx context.Context, id string) (*Item, error) {
	return c.store.Get(ctx, id)
}

// List returns items matching the filter.
func (c *Coordinator) List(ctx context.Context, f Filter) ([]*Item, error) {
	return c.store.List(ctx, f)
}

// Remove deletes one item. Returns ErrNotFound for unknown ids: removal is
// idempotent at the store layer but surfaced to operators as a lookup.
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	removed, err := c.store.Remove(ctx, id)
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	if !removed {
		return ErrNotFound
	}
	slog.Info("item removed", "item_id", id)
	return nil
}

// Stats returns queue counts. Pure read, no side effects.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	return c.store.Stats(ctx)
}

// FindDue returns pending items whose next_retry is at or before now.
func (c *Coordinator) FindDue(ctx context.Context, now time.Time) ([]*Item, error) {
	return c.store.FindDue(ctx, now, c.config.BatchSize)
}

// Summary reports the outcome of one processing cycle. Skipped counts items
// whose transition write lost a version race or hit a store fault; they
// remain pending with their pre-attempt next_retry and will be picked up on
// a later cycle.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ProcessDue finds all due items and processes each exactly once.
func (c *Coordinator) ProcessDue(ctx context.Context) (*Summary, error) {
	items, err := c.FindDue(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("find due items: %w", err)
	}

	summary := &Summary{Total: len(items)}
	if len(items) == 0 {
		return summary, nil
	}

	cycleID := uuid.NewString()
	logger := slog.With("cycle_id", cycleID)
	logger.Info("processing due items", "count", len(items))

	for _, item := range items {
		switch c.processOne(ctx, item) {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomeFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	logger.Info("processing cycle finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// processOne invokes the delivery invoker exactly once for the item and
// applies exactly one state transition, computed from the state read before
// the attempt. A version conflict on the write means a concurrent
// invocation already handled this id; the item is left as that writer set
// it.
func (c *Coordinator) processOne(ctx context.Context, item *Item) outcome {
	start := c.now()

	success, detail := c.attempt(ctx, item)
	duration := time.Since(start)
	recordAttemptDuration(item.EntityType, duration)

	now := c.now()
	var mut Mutation
	var result outcome

	newCount := item.RetryCount + 1
	completed := StatusCompleted
	pending := StatusPending
	failed := StatusFailed

	switch {
	case success:
		mut = Mutation{
			Status:      &completed,
			RetryCount:  &newCount,
			LastRetry:   &now,
			CompletedAt: &now,
		}
		result = outcomeSucceeded
	case newCount >= c.config.MaxRetries:
		reason := fmt.Sprintf("exceeded maximum retry attempts (%d): %s", c.config.MaxRetries, detail)
		mut = Mutation{
			Status:     &failed,
			RetryCount: &newCount,
			Reason:     &reason,
			LastRetry:  &now,
			FailedAt:   &now,
		}
		result = outcomeFailed
	default:
		nextRetry := now.Add(c.backoff(newCount))
		mut = Mutation{
			Status:     &pending,
			RetryCount: &newCount,
			Reason:     &detail,
			LastRetry:  &now,
			NextRetry:  &nextRetry,
		}
		result = outcomeFailed
	}

	if _, err := c.store.Update(ctx, item.ID, item.Version, mut); err != nil {
		switch {
		case errors.Is(err, ErrVersionConflict):
			slog.Warn("transition lost version race, item handled concurrently",
				"item_id", item.ID,
			)
		case errors.Is(err, ErrNotFound):
			slog.Warn("item removed during processing", "item_id", item.ID)
		default:
			slog.Error("store fault during transition, item stays eligible",
				"item_id", item.ID,
				"error", err,
			)
		}
		recordProcessed(item.EntityType, "skipped")
		return outcomeSkipped
	}

	if success {
		recordProcessed(item.EntityType, "succeeded")
		slog.Info("item delivered",
			"item_id", item.ID,
			"entity_type", item.EntityType,
			"attempts", newCount,
			"duration", duration,
		)
	} else {
		label := "retry_scheduled"
		if result == outcomeFailed && newCount >= c.config.MaxRetries {
			label = "exhausted"
		}
		recordProcessed(item.EntityType, label)
		slog.Warn("delivery attempt failed",
			"item_id", item.ID,
			"attempt", newCount,
			"max_retries", c.config.MaxRetries,
			"detail", detail,
		)
	}
	return result
}

// attempt runs one delivery attempt under the configured timeout. Invoker
// panics are infrastructure faults: logged distinctly but treated as a
// failed attempt for the state machine.
func (c *Coordinator) attempt(ctx context.Context, item *Item) (success bool, detail string) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("invoker fault during attempt",
				"item_id", item.ID,
				"panic", r,
			)
			success = false
			detail = fmt.Sprintf("invoker fault: %v", r)
		}
	}()

	success, detail = c.invoker.Attempt(attemptCtx, item)
	if !success && attemptCtx.Err() != nil && detail == "" {
		detail = "delivery attempt timed out"
	}
	return success, detail
}

// ForceRetry marks an item due immediately without touching its retry
// count. Works on pending and failed items.
func (c *Coordinator) ForceRetry(ctx context.Context, id string) (*Item, error) {
	const casAttempts = 3

	var lastErr error
	for i := 0; i < casAttempts; i++ {
		item, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		now := c.now()
		pending := StatusPending
		updated, err := c.store.Update(ctx, id, item.Version, Mutation{
			Status:           &pending,
			NextRetry:        &now,
			ClearCompletedAt: true,
			ClearFailedAt:    true,
		})
		if err == nil {
			slog.Info("item forced for retry", "item_id", id, "retry_count", updated.RetryCount)
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("force retry: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("force retry: %w", lastErr)
}

// ResetFailed recovers failed items back to pending with a fresh retry
// budget. An empty id resets every failed item; otherwise only the named
// item, which must be in the failed state. Returns the number of items
// reset.
func (c *Coordinator) ResetFailed(ctx context.Context, id string) (int, error) {
	now := c.now()

	if id == "" {
		n, err := c.store.ResetFailed(ctx, now)
		if err != nil {
			return 0, fmt.Errorf("reset failed items: %w", err)
		}
		slog.Info("failed items reset", "count", n)
		return int(n), nil
	}

	item, err := c.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if item.Status != StatusFailed {
		return 0, ErrNotFailed
	}

	zero := 0
	pending := StatusPending
	emptyReason := ""
	if _, err := c.store.Update(ctx, id, item.Version, Mutation{
		Status:        &pending,
		RetryCount:    &zero,
		Reason:        &emptyReason,
		NextRetry:     &now,
		ClearFailedAt: true,
	}); err != nil {
		return 0, fmt.Errorf("reset item: %w", err)
	}
	slog.Info("failed item reset", "item_id", id)
	return 1, nil
}
