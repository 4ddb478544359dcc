package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type OutboxDispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOutboxDispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      50,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// OutboxDispatcherConfigFrom reads the outbox section of the service config.
func OutboxDispatcherConfigFrom(cfg Config) OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: seconds(cfg.Outbox.InitialBackoffSeconds, 0),
		MaxBackoff:     seconds(cfg.Outbox.MaxBackoffSeconds, 0),
	}
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

// OutboxDispatcher drains stored outcome events into the registered sinks.
// An event is acknowledged only after every sink accepted it.
type OutboxDispatcher struct {
	store  OutboxStore
	sinks  []OutcomeSink
	config OutboxDispatcherConfig
	now    func() time.Time
	instrumentation
}

func NewOutboxDispatcher(
	store OutboxStore,
	sinks []OutcomeSink,
	config OutboxDispatcherConfig,
	logger Logger,
) (*OutboxDispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	defaults := DefaultOutboxDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &OutboxDispatcher{
		store:           store,
		sinks:           append([]OutcomeSink(nil), sinks...),
		config:          config,
		now:             func() time.Time { return time.Now().UTC() },
		instrumentation: instrumentation{logger: logger},
	}, nil
}

// DispatchPending claims one batch and hands every event to all sinks. A
// batchSize of zero uses the configured size. Errors from individual events
// are joined; the remaining events are still processed.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.store == nil {
		return DispatchStats{}, fmt.Errorf("core: outbox dispatcher is not configured")
	}
	if batchSize <= 0 {
		batchSize = d.config.BatchSize
	}
	events, err := d.store.ClaimBatch(ctx, batchSize)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(events)}
	var errs []error
	for _, event := range events {
		eventID := strings.TrimSpace(event.ID)
		deliverErr := d.deliver(ctx, event)
		if deliverErr == nil {
			if err := d.store.Ack(ctx, eventID); err != nil {
				errs = append(errs, err)
				continue
			}
			stats.Delivered++
			continue
		}

		errs = append(errs, deliverErr)
		next := time.Time{}
		if event.Attempts < d.config.MaxAttempts {
			next = d.now().Add(d.nextBackoffDelay(event.Attempts))
			stats.Retried++
		} else {
			stats.Failed++
			d.logError(ctx, "outcome event dropped after max attempts", map[string]any{
				"event_id":    event.ID,
				"instance_id": event.InstanceID,
				"attempts":    event.Attempts,
				"error":       deliverErr.Error(),
			})
		}
		if err := d.store.Retry(ctx, eventID, deliverErr, next); err != nil {
			errs = append(errs, err)
		}
	}
	return stats, errors.Join(errs...)
}

// Run drains the outbox on every tick until ctx is done.
func (d *OutboxDispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchPending(ctx, 0); err != nil {
			d.logWarn(ctx, "outbox dispatch incomplete", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// deliver stops at the first sink that refuses the event. Sinks must be
// idempotent on event id since a retry resends to all of them.
func (d *OutboxDispatcher) deliver(ctx context.Context, event OutcomeEvent) error {
	for _, sink := range d.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Deliver(ctx, event); err != nil {
			return fmt.Errorf("core: outcome sink %q failed for event %q: %w", sink.Name(), event.ID, err)
		}
	}
	return nil
}

// nextBackoffDelay doubles InitialBackoff per attempt, capped at MaxBackoff.
func (d *OutboxDispatcher) nextBackoffDelay(attempt int) time.Duration {
	delay := d.config.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay <= 0 || delay >= d.config.MaxBackoff {
			return d.config.MaxBackoff
		}
	}
	return min(delay, d.config.MaxBackoff)
}
