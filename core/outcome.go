package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewOutcomeEvent wraps a transfer result into an event with a fresh id.
func NewOutcomeEvent(result TransferResult, occurredAt time.Time) OutcomeEvent {
	return OutcomeEvent{
		ID:         uuid.NewString(),
		Name:       EventMoneyTransferred,
		InstanceID: result.IntegrationID,
		OccurredAt: occurredAt.UTC(),
		Result:     result,
	}
}

// OutboxPublisher persists outcome events for the outbox dispatcher.
type OutboxPublisher struct {
	store OutboxStore
}

func NewOutboxPublisher(store OutboxStore) (*OutboxPublisher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	return &OutboxPublisher{store: store}, nil
}

func (p *OutboxPublisher) Publish(ctx context.Context, event OutcomeEvent) error {
	return p.store.Enqueue(ctx, event)
}

// LogSink writes each outcome event to the logger.
type LogSink struct {
	instrumentation
}

func NewLogSink(logger Logger) *LogSink {
	return &LogSink{instrumentation: instrumentation{logger: logger}}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Deliver(ctx context.Context, event OutcomeEvent) error {
	fields := event.Payload()
	fields["event_id"] = event.ID
	fields["event_name"] = event.Name
	if event.Result.Success {
		s.logInfo(ctx, "money transferred", fields)
	} else {
		s.logWarn(ctx, "money transfer failed", fields)
	}
	return nil
}

// SinkPublisher delivers events to sinks inline, without an outbox.
type SinkPublisher struct {
	sinks []OutcomeSink
}

func NewSinkPublisher(sinks ...OutcomeSink) *SinkPublisher {
	return &SinkPublisher{sinks: append([]OutcomeSink(nil), sinks...)}
}

func (p *SinkPublisher) Publish(ctx context.Context, event OutcomeEvent) error {
	var errs []error
	for _, sink := range p.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Deliver(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("core: outcome sink %q: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// RecordingPublisher keeps every published event in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []OutcomeEvent
}

func (p *RecordingPublisher) Publish(_ context.Context, event OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *RecordingPublisher) Events() []OutcomeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutcomeEvent(nil), p.events...)
}

var (
	_ OutcomePublisher = (*OutboxPublisher)(nil)
	_ OutcomePublisher = (*SinkPublisher)(nil)
	_ OutcomePublisher = (*RecordingPublisher)(nil)
	_ OutcomeSink      = (*LogSink)(nil)
)
