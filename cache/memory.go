// Package cache implements the two-tier WebFinger and remote actor caches:
// a bounded in-process otter tier in front of the durable sqlite tables.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// memoryTier is a bounded map whose values carry their own expiry. Expired
// values are reported as misses and overwritten on the next Set.
type memoryTier[V any] struct {
	cache   otter.Cache[string, V]
	expired func(v V, now time.Time) bool
}

func newMemoryTier[V any](maxEntries int, expired func(V, time.Time) bool) (*memoryTier[V], error) {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c, err := otter.MustBuilder[string, V](maxEntries).
		Cost(func(_ string, _ V) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("cache: build memory tier: %w", err)
	}
	return &memoryTier[V]{cache: c, expired: expired}, nil
}

func (m *memoryTier[V]) get(key string, now time.Time) (V, bool) {
	v, ok := m.cache.Get(key)
	if !ok || m.expired(v, now) {
		var zero V
		return zero, false
	}
	return v, true
}

func (m *memoryTier[V]) set(key string, v V) {
	m.cache.Set(key, v)
}

func (m *memoryTier[V]) delete(key string) {
	m.cache.Delete(key)
}

func (m *memoryTier[V]) size() int {
	return m.cache.Size()
}

func (m *memoryTier[V]) close() {
	m.cache.Close()
}
