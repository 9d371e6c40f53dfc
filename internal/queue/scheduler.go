package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig contains periodic processing configuration.
type SchedulerConfig struct {
	PollInterval time.Duration

	// RetentionEnabled turns on automatic deletion of terminal items.
	// Off by default so completed and failed items stay available for
	// auditing.
	RetentionEnabled  bool
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:      time.Minute,
		RetentionEnabled:  false,
		RetentionMaxAge:   7 * 24 * time.Hour,
		RetentionInterval: time.Hour,
	}
}

// Scheduler drives the coordinator on a timer so due items are processed
// without waiting for an operator to trigger a cycle. It also samples queue
// depth for metrics and, when enabled, purges old terminal items.
type Scheduler struct {
	config      SchedulerConfig
	coordinator *Coordinator
	store       Store

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler around the coordinator.
func NewScheduler(config SchedulerConfig, coordinator *Coordinator, store Store) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = time.Hour
	}
	return &Scheduler{
		config:      config,
		coordinator: coordinator,
		store:       store,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting queue scheduler",
		"poll_interval", s.config.PollInterval,
		"retention_enabled", s.config.RetentionEnabled,
	)

	s.wg.Add(1)
	go s.run(ctx)

	if s.config.RetentionEnabled {
		s.wg.Add(1)
		go s.runRetention(ctx)
	}
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("queue scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.coordinator.ProcessDue(ctx); err != nil {
				slog.Error("scheduled processing cycle failed", "error", err)
			}
			s.sampleQueueSize(ctx)
		}
	}
}

func (s *Scheduler) sampleQueueSize(ctx context.Context) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		slog.Error("failed to sample queue stats", "error", err)
		return
	}
	RecordQueueStats(stats)
}

func (s *Scheduler) runRetention(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.RetentionMaxAge)
			n, err := s.store.PurgeTerminal(ctx, cutoff)
			if err != nil {
				slog.Error("failed to purge terminal items", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged terminal items", "count", n, "older_than", s.config.RetentionMaxAge)
			}
		}
	}
}
