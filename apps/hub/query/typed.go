package query

import (
	"context"
	"fmt"
	"time"
)

// Result is a typed Snapshot.
type Result[T any] struct {
	Data      T
	HasData   bool
	IsLoading bool
	IsStale   bool
	Err       error
	UpdatedAt time.Time
}

// Query binds a key to its fetch function and value type.
type Query[T any] struct {
	cache *Cache
	key   Key
	fetch FetchFunc
}

// NewQuery creates a typed handle on c for key k.
func NewQuery[T any](c *Cache, k Key, fetch func(ctx context.Context) (T, error)) *Query[T] {
	return &Query[T]{
		cache: c,
		key:   k,
		fetch: func(ctx context.Context) (any, error) {
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Key returns the cache key.
func (q *Query[T]) Key() Key { return q.key }

// Cache returns the underlying cache.
func (q *Query[T]) Cache() *Cache { return q.cache }

// Read returns the current state, scheduling a background fetch if needed.
func (q *Query[T]) Read() Result[T] {
	return toResult[T](q.cache.Read(q.key, q.fetch))
}

// Get returns the current state without scheduling a fetch.
func (q *Query[T]) Get() Result[T] {
	return toResult[T](q.cache.Get(q.key))
}

// Fetch waits for a fresh value.
func (q *Query[T]) Fetch(ctx context.Context) (T, error) {
	v, err := q.cache.Fetch(ctx, q.key, q.fetch)
	return cast[T](q.key, v, err)
}

// Refetch forces a fetch and waits for it.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	v, err := q.cache.Refetch(ctx, q.key, q.fetch)
	return cast[T](q.key, v, err)
}

// Replace sets the value.
func (q *Query[T]) Replace(v T) {
	q.cache.Replace(q.key, v)
}

// Update applies f to the current value. Nothing happens when the entry has
// no value yet or f returns ok=false.
func (q *Query[T]) Update(f func(current T) (next T, ok bool)) bool {
	return q.cache.Update(q.key, func(current any, has bool) (any, bool) {
		if !has {
			return nil, false
		}
		cur, ok := current.(T)
		if !ok {
			return nil, false
		}
		return f(cur)
	})
}

// Invalidate marks the value stale.
func (q *Query[T]) Invalidate() {
	q.cache.Invalidate(q.key)
}

// Subscribe registers fn for changes.
func (q *Query[T]) Subscribe(fn func(Result[T])) func() {
	return q.cache.Subscribe(q.key, func(s Snapshot) {
		fn(toResult[T](s))
	})
}

func toResult[T any](s Snapshot) Result[T] {
	r := Result[T]{
		HasData:   s.HasValue,
		IsLoading: s.IsLoading,
		IsStale:   s.IsStale,
		Err:       s.Err,
		UpdatedAt: s.UpdatedAt,
	}
	if v, ok := s.Value.(T); ok {
		r.Data = v
	}
	return r
}

func cast[T any](k Key, v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("query %s: cached value is %T", k, v)
	}
	return t, nil
}
