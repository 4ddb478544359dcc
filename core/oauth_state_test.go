package core

import (
	"context"
	"testing"
	"time"
)

func TestMemoryOAuthStateStoreConsumesOnce(t *testing.T) {
	store := NewMemoryOAuthStateStore(time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, OAuthStateRecord{State: "state_a", InstanceID: testInstanceID}); err != nil {
		t.Fatalf("save: %v", err)
	}
	record, err := store.Consume(ctx, " state_a ")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if record.InstanceID != testInstanceID || record.ExpiresAt.Sub(record.CreatedAt) != time.Minute {
		t.Fatalf("unexpected record %+v", record)
	}
	if _, err := store.Consume(ctx, "state_a"); !IsValidationFailed(err) {
		t.Fatalf("expected second consume to fail validation, got %v", err)
	}
}

func TestMemoryOAuthStateStoreRejectsExpiredState(t *testing.T) {
	store := NewMemoryOAuthStateStore(time.Minute)
	clock := newFixedClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	store.now = clock.Now
	ctx := context.Background()

	if err := store.Save(ctx, OAuthStateRecord{State: "stale", InstanceID: testInstanceID}); err != nil {
		t.Fatalf("save: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := store.Consume(ctx, "stale"); !IsValidationFailed(err) {
		t.Fatalf("expected expired state to fail validation, got %v", err)
	}
}

func TestMemoryOAuthStateStoreRequiresState(t *testing.T) {
	store := NewMemoryOAuthStateStore(0)
	if err := store.Save(context.Background(), OAuthStateRecord{}); err == nil {
		t.Fatalf("expected empty state to be rejected on save")
	}
	if _, err := store.Consume(context.Background(), ""); !IsValidationFailed(err) {
		t.Fatalf("expected empty state to fail validation, got %v", err)
	}
}

func TestGenerateOAuthStateIsURLSafe(t *testing.T) {
	first, err := generateOAuthState()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, _ := generateOAuthState()
	if first == second || len(first) != 32 {
		t.Fatalf("expected distinct 32 character states, got %q %q", first, second)
	}
}

func TestMemoryOAuthStateStoreDropsExpiredOnSave(t *testing.T) {
	store := NewMemoryOAuthStateStore(time.Minute)
	clock := newFixedClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	store.now = clock.Now
	ctx := context.Background()

	if err := store.Save(ctx, OAuthStateRecord{State: "old"}); err != nil {
		t.Fatalf("save old: %v", err)
	}
	clock.Advance(5 * time.Minute)
	if err := store.Save(ctx, OAuthStateRecord{State: "new"}); err != nil {
		t.Fatalf("save new: %v", err)
	}
	if len(store.pending) != 1 {
		t.Fatalf("expected expired state to be pruned, got %d pending", len(store.pending))
	}
}
