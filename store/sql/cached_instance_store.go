package sqlstore

import (
	"context"
	"fmt"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

// CachedInstanceStore serves instance reads from cache. Writes go to the
// base store first and then drop the cached entry.
type CachedInstanceStore struct {
	base  core.InstanceStore
	cache repositorycache.CacheService
}

func NewCachedInstanceStore(base core.InstanceStore, cacheService repositorycache.CacheService) (*CachedInstanceStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base instance store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: instance cache service is required")
	}
	return &CachedInstanceStore{base: base, cache: cacheService}, nil
}

func InstanceCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: instance id is required")
	}
	return instanceKeyspace.key(id), nil
}

func (s *CachedInstanceStore) GetInstance(ctx context.Context, id string) (core.Instance, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Instance{}, fmt.Errorf("sqlstore: cached instance store is not configured")
	}
	cacheKey, err := InstanceCacheKey(id)
	if err != nil {
		return core.Instance{}, err
	}
	return readThrough(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Instance, error) {
		return s.base.GetInstance(ctx, id)
	}, cloneInstance)
}

func (s *CachedInstanceStore) UpsertInstance(ctx context.Context, instance core.Instance) (core.Instance, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Instance{}, fmt.Errorf("sqlstore: cached instance store is not configured")
	}
	stored, err := s.base.UpsertInstance(ctx, instance)
	if err != nil {
		return core.Instance{}, err
	}
	if err := s.invalidate(ctx, stored.ID); err != nil {
		return core.Instance{}, err
	}
	return stored, nil
}

func (s *CachedInstanceStore) DeleteInstance(ctx context.Context, id string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached instance store is not configured")
	}
	if err := s.base.DeleteInstance(ctx, id); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedInstanceStore) ListInstances(ctx context.Context) ([]core.Instance, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached instance store is not configured")
	}
	return s.base.ListInstances(ctx)
}

func (s *CachedInstanceStore) invalidate(ctx context.Context, id string) error {
	cacheKey, err := InstanceCacheKey(id)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneInstance(instance core.Instance) core.Instance {
	instance.MonitoredAccounts = append([]string(nil), instance.MonitoredAccounts...)
	return instance
}

var _ core.InstanceStore = (*CachedInstanceStore)(nil)
