package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubOutcomeSink struct {
	name      string
	err       error
	delivered []OutcomeEvent
}

func (s *stubOutcomeSink) Name() string { return s.name }

func (s *stubOutcomeSink) Deliver(_ context.Context, event OutcomeEvent) error {
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, event)
	return nil
}

func enqueueOutcome(t *testing.T, store *MemoryOutboxStore, id string) OutcomeEvent {
	t.Helper()
	event := NewOutcomeEvent(TransferResult{IntegrationID: testInstanceID, Success: true}, time.Now())
	event.ID = id
	if err := store.Enqueue(context.Background(), event); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return event
}

func TestOutboxDispatcherAcksDeliveredEvents(t *testing.T) {
	store := NewMemoryOutboxStore()
	enqueueOutcome(t, store, "evt_1")
	enqueueOutcome(t, store, "evt_1")
	sink := &stubOutcomeSink{name: "ok"}

	dispatcher, err := NewOutboxDispatcher(store, []OutcomeSink{sink}, DefaultOutboxDispatcherConfig(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	stats, err := dispatcher.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch pending: %v", err)
	}
	if stats.Claimed != 1 || stats.Delivered != 1 || stats.Retried != 0 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(sink.delivered) != 1 || sink.delivered[0].Name != EventMoneyTransferred {
		t.Fatalf("expected one delivered %s event, got %+v", EventMoneyTransferred, sink.delivered)
	}
	if store.Pending() != 0 {
		t.Fatalf("expected no pending events")
	}
}

func TestOutboxDispatcherRetriesWithBackoff(t *testing.T) {
	store := NewMemoryOutboxStore()
	enqueueOutcome(t, store, "evt_retry")
	sink := &stubOutcomeSink{name: "webhook", err: errors.New("connection refused")}
	clock := newFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store.now = clock.Now

	dispatcher, err := NewOutboxDispatcher(store, []OutcomeSink{sink}, OutboxDispatcherConfig{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     15 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	dispatcher.now = clock.Now

	stats, err := dispatcher.DispatchPending(context.Background(), 0)
	if err == nil || stats.Retried != 1 {
		t.Fatalf("expected one retry with error, got %+v %v", stats, err)
	}
	if stats, _ := dispatcher.DispatchPending(context.Background(), 0); stats.Claimed != 0 {
		t.Fatalf("event must wait for its backoff, got %+v", stats)
	}

	clock.Advance(10 * time.Second)
	stats, _ = dispatcher.DispatchPending(context.Background(), 0)
	if stats.Claimed != 1 || stats.Retried != 1 {
		t.Fatalf("expected second attempt after backoff, got %+v", stats)
	}

	clock.Advance(15 * time.Second)
	stats, _ = dispatcher.DispatchPending(context.Background(), 0)
	if stats.Failed != 1 {
		t.Fatalf("expected event to fail after max attempts, got %+v", stats)
	}
	if store.Pending() != 0 {
		t.Fatalf("failed events must not stay pending")
	}
}

func TestOutboxDispatcherBackoffIsCapped(t *testing.T) {
	dispatcher, err := NewOutboxDispatcher(NewMemoryOutboxStore(), nil, OutboxDispatcherConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if got := dispatcher.nextBackoffDelay(3); got != 4*time.Second {
		t.Fatalf("expected 4s, got %s", got)
	}
	if got := dispatcher.nextBackoffDelay(20); got != time.Minute {
		t.Fatalf("expected cap of 1m, got %s", got)
	}
}

func TestOutboxPublisherEnqueues(t *testing.T) {
	store := NewMemoryOutboxStore()
	publisher, err := NewOutboxPublisher(store)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := publisher.Publish(context.Background(), NewOutcomeEvent(TransferResult{IntegrationID: testInstanceID}, time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if store.Pending() != 1 {
		t.Fatalf("expected one pending event, got %d", store.Pending())
	}
}
