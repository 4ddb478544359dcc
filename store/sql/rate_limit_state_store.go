package sqlstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
	"github.com/remimikalsen/sparebank1-pengerobot/ratelimit"
)

// RateLimitStateStore persists the sliding call log and backoff of each
// rate-limit key so a restart does not reset the hourly budget. There is one
// row per key, enforced by a unique index.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateLimitStateRecord](db, rateLimitStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{db: db, repo: repo}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.repo == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key = normalizeRateLimitKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return ratelimit.State{}, err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider_id", "=", key.ProviderID),
		repository.SelectBy("scope_type", "=", key.ScopeType),
		repository.SelectBy("scope_id", "=", key.ScopeID),
		repository.SelectBy("bucket_key", "=", key.BucketKey),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return ratelimit.State{}, err
	}
	if len(records) == 0 {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return records[0].state(), nil
}

// Upsert writes state in one INSERT .. ON CONFLICT statement. The row id and
// created_at of an existing key are kept.
func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	state.Key = normalizeRateLimitKey(state.Key)
	if err := validateRateLimitKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	record := newRateLimitStateRecord(state)
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (provider_id, scope_type, scope_id, bucket_key) DO UPDATE").
		Set("calls = EXCLUDED.calls").
		Set("attempts = EXCLUDED.attempts").
		Set("throttled_until = EXCLUDED.throttled_until").
		Set("last_throttled_at = EXCLUDED.last_throttled_at").
		Set("retry_after_seconds = EXCLUDED.retry_after_seconds").
		Set("last_status = EXCLUDED.last_status").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func newRateLimitStateRecord(state ratelimit.State) *rateLimitStateRecord {
	record := &rateLimitStateRecord{
		ID:              uuid.NewString(),
		ProviderID:      state.Key.ProviderID,
		ScopeType:       state.Key.ScopeType,
		ScopeID:         state.Key.ScopeID,
		BucketKey:       state.Key.BucketKey,
		Calls:           sortedUTC(state.Calls),
		Attempts:        state.Attempts,
		ThrottledUntil:  utcPtr(state.ThrottledUntil),
		LastThrottledAt: utcPtr(state.LastThrottledAt),
		LastStatus:      state.LastStatus,
		Metadata:        core.RedactSensitiveMap(state.Metadata),
		CreatedAt:       state.UpdatedAt.UTC(),
		UpdatedAt:       state.UpdatedAt.UTC(),
	}
	if state.RetryAfter != nil && *state.RetryAfter > 0 {
		// sub second waits round up so they are not lost
		seconds := max(int((*state.RetryAfter+time.Second-1)/time.Second), 1)
		record.RetryAfter = &seconds
	}
	return record
}

func (r *rateLimitStateRecord) state() ratelimit.State {
	state := ratelimit.State{
		Key: core.RateLimitKey{
			ProviderID: r.ProviderID,
			ScopeType:  r.ScopeType,
			ScopeID:    r.ScopeID,
			BucketKey:  r.BucketKey,
		},
		Calls:           sortedUTC(r.Calls),
		Attempts:        r.Attempts,
		ThrottledUntil:  utcPtr(r.ThrottledUntil),
		LastThrottledAt: utcPtr(r.LastThrottledAt),
		LastStatus:      r.LastStatus,
		UpdatedAt:       r.UpdatedAt.UTC(),
		Metadata:        map[string]any{},
	}
	for k, v := range r.Metadata {
		state.Metadata[k] = v
	}
	if r.RetryAfter != nil && *r.RetryAfter > 0 {
		wait := time.Duration(*r.RetryAfter) * time.Second
		state.RetryAfter = &wait
	}
	return state
}

func normalizeRateLimitKey(key core.RateLimitKey) core.RateLimitKey {
	lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return core.RateLimitKey{
		ProviderID: lower(key.ProviderID),
		ScopeType:  lower(key.ScopeType),
		ScopeID:    strings.TrimSpace(key.ScopeID),
		BucketKey:  lower(key.BucketKey),
	}
}

func validateRateLimitKey(key core.RateLimitKey) error {
	for field, value := range map[string]string{
		"provider id": key.ProviderID,
		"scope type":  key.ScopeType,
		"scope id":    key.ScopeID,
		"bucket key":  key.BucketKey,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("sqlstore: rate-limit %s is required", field)
		}
	}
	return nil
}

func sortedUTC(calls []time.Time) []time.Time {
	out := make([]time.Time, len(calls))
	for i, call := range calls {
		out[i] = call.UTC()
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "unique") || strings.Contains(text, "duplicate")
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
