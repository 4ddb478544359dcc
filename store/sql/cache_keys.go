package sqlstore

import (
	"context"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// keyspace prefixes cache keys for one store. Bump the version suffix when
// the cached value shape changes.
type keyspace string

const (
	instanceKeyspace  keyspace = "pengerobot::instance::v1"
	rateLimitKeyspace keyspace = "pengerobot::ratelimit_state::v1"
)

func (k keyspace) key(segments ...string) string {
	var b strings.Builder
	b.WriteString(string(k))
	for _, segment := range segments {
		b.WriteString("::")
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}

// readThrough serves key from the cache, filling it from fetch on a miss.
// The returned value is passed through clone so callers never share cached
// slices or maps.
func readThrough[T any](
	ctx context.Context,
	cache repositorycache.CacheService,
	key string,
	fetch func(context.Context) (T, error),
	clone func(T) T,
) (T, error) {
	value, err := repositorycache.GetOrFetch(ctx, cache, key, func(ctx context.Context) (T, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			return fetched, err
		}
		return clone(fetched), nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return clone(value), nil
}
