package cache

import (
	"context"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
)

// WebFingerStore is the durable tier of the WebFinger cache.
type WebFingerStore interface {
	HitSink
	ReadWebFingerEntry(ctx context.Context, acct string, now time.Time) (*domain.WebFingerCacheEntry, error)
	UpsertWebFingerEntry(ctx context.Context, e *domain.WebFingerCacheEntry, now time.Time) error
	DeleteWebFingerEntry(ctx context.Context, acct string) error
}

// WebFingerCache maps acct (username@domain) to the resolved actor and inbox.
type WebFingerCache struct {
	store WebFingerStore
	mem   *memoryTier[domain.WebFingerCacheEntry]
	hits  *HitRecorder
	ttl   time.Duration
	now   Clock
}

func NewWebFingerCache(store WebFingerStore, maxEntries int, ttl time.Duration, now Clock) (*WebFingerCache, error) {
	mem, err := newMemoryTier(maxEntries, func(e domain.WebFingerCacheEntry, t time.Time) bool { return e.Expired(t) })
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &WebFingerCache{
		store: store,
		mem:   mem,
		hits:  NewHitRecorder(store),
		ttl:   ttl,
		now:   now,
	}, nil
}

// Get returns the unexpired entry for acct. ok is false on a miss; err is
// set only when the durable tier failed.
func (c *WebFingerCache) Get(ctx context.Context, acct string) (*domain.WebFingerCacheEntry, bool, error) {
	now := c.now()
	if e, ok := c.mem.get(acct, now); ok {
		return &e, true, nil
	}
	e, err := c.store.ReadWebFingerEntry(ctx, acct, now)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.mem.set(acct, *e)
	return e, true, nil
}

// Put stores a fresh entry expiring one TTL from now.
func (c *WebFingerCache) Put(ctx context.Context, acct, actorURL string, inboxURL *string) (*domain.WebFingerCacheEntry, error) {
	now := c.now()
	e := &domain.WebFingerCacheEntry{
		Acct:      acct,
		ActorURL:  actorURL,
		InboxURL:  inboxURL,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.UpsertWebFingerEntry(ctx, e, now); err != nil {
		return nil, err
	}
	c.mem.set(acct, *e)
	return e, nil
}

// RecordHit counts a cache hit on acct without waiting for the store.
func (c *WebFingerCache) RecordHit(acct string) {
	c.hits.Record(acct)
}

func (c *WebFingerCache) Invalidate(ctx context.Context, acct string) error {
	c.mem.delete(acct)
	return c.store.DeleteWebFingerEntry(ctx, acct)
}

func (c *WebFingerCache) Size() int {
	return c.mem.size()
}

// Close flushes pending hit counts and releases the memory tier.
func (c *WebFingerCache) Close() {
	c.hits.Close()
	c.mem.close()
}
