package sqlstore

import (
	"context"
	"fmt"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
	"github.com/remimikalsen/sparebank1-pengerobot/ratelimit"
)

// CachedRateLimitStateStore keeps the per instance budget state hot between
// dispatches. Every write evicts the entry so the next read sees the row.
type CachedRateLimitStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitStateStore(base ratelimit.StateStore, cacheService repositorycache.CacheService) (*CachedRateLimitStateStore, error) {
	switch {
	case base == nil:
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	case cacheService == nil:
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{base: base, cache: cacheService}, nil
}

// RateLimitStateCacheKey is the cache key for the normalized key, one
// escaped segment per key field.
func RateLimitStateCacheKey(key core.RateLimitKey) (string, error) {
	key = normalizeRateLimitKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return "", err
	}
	return rateLimitKeyspace.key(key.ProviderID, key.ScopeType, key.ScopeID, key.BucketKey), nil
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if !s.ready() {
		return ratelimit.State{}, errCachedRateLimitsUnset
	}
	key = normalizeRateLimitKey(key)
	cacheKey, err := RateLimitStateCacheKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	return readThrough(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.State, error) {
		state, err := s.base.Get(ctx, key)
		state.Key = normalizeRateLimitKey(state.Key)
		return state, err
	}, ratelimit.CloneState)
}

func (s *CachedRateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if !s.ready() {
		return errCachedRateLimitsUnset
	}
	cacheKey, err := RateLimitStateCacheKey(state.Key)
	if err != nil {
		return err
	}
	state.Key = normalizeRateLimitKey(state.Key)
	if err := s.base.Upsert(ctx, ratelimit.CloneState(state)); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func (s *CachedRateLimitStateStore) ready() bool {
	return s != nil && s.base != nil && s.cache != nil
}

var errCachedRateLimitsUnset = fmt.Errorf("sqlstore: cached rate-limit state store is not configured")

var _ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
