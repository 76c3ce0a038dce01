package querycache

import (
	"context"
	"fmt"
)

// Watch is Observe with a typed fetcher and callback.
func Watch[T any](c *Cache, key Key, fetch func(ctx context.Context) (T, error), fn func(T, error)) *Observer {
	return c.Observe(key, typed(fetch), func(r Result) {
		v, err := unwrap[T](key, r)
		fn(v, err)
	})
}

// Fetch is Query with a typed fetcher and callback.
func Fetch[T any](c *Cache, key Key, fetch func(ctx context.Context) (T, error), fn func(T, error)) {
	c.Query(key, typed(fetch), func(r Result) {
		v, err := unwrap[T](key, r)
		fn(v, err)
	})
}

func typed[T any](fetch func(ctx context.Context) (T, error)) Fetcher {
	if fetch == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func unwrap[T any](key Key, r Result) (T, error) {
	var zero T
	if r.Err != nil {
		return zero, r.Err
	}
	v, ok := r.Data.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %s holds %T, want %T", key, r.Data, zero)
	}
	return v, nil
}
