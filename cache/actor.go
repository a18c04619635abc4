package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
)

// ActorStore is the durable tier of the remote actor cache.
type ActorStore interface {
	ReadActorEntry(ctx context.Context, actorURL string, now time.Time) (*domain.RemoteActorCacheEntry, error)
	UpsertActorEntry(ctx context.Context, e *domain.RemoteActorCacheEntry) error
	DeleteActorEntry(ctx context.Context, actorURL string) error
}

// ActorCache holds fetched ActivityPub actor documents keyed by actor URL.
type ActorCache struct {
	store ActorStore
	mem   *memoryTier[domain.RemoteActorCacheEntry]
	ttl   time.Duration
	now   Clock
}

func NewActorCache(store ActorStore, maxEntries int, ttl time.Duration, now Clock) (*ActorCache, error) {
	mem, err := newMemoryTier(maxEntries, func(e domain.RemoteActorCacheEntry, t time.Time) bool { return e.Expired(t) })
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &ActorCache{store: store, mem: mem, ttl: ttl, now: now}, nil
}

func (c *ActorCache) Get(ctx context.Context, actorURL string) (*domain.RemoteActorCacheEntry, bool, error) {
	now := c.now()
	if e, ok := c.mem.get(actorURL, now); ok {
		return &e, true, nil
	}
	e, err := c.store.ReadActorEntry(ctx, actorURL, now)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.mem.set(actorURL, *e)
	return e, true, nil
}

func (c *ActorCache) Put(ctx context.Context, actorURL string, doc json.RawMessage) (*domain.RemoteActorCacheEntry, error) {
	now := c.now()
	e := &domain.RemoteActorCacheEntry{
		ActorURL:  actorURL,
		Document:  doc,
		FetchedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.UpsertActorEntry(ctx, e); err != nil {
		return nil, err
	}
	c.mem.set(actorURL, *e)
	return e, nil
}

func (c *ActorCache) Invalidate(ctx context.Context, actorURL string) error {
	c.mem.delete(actorURL)
	return c.store.DeleteActorEntry(ctx, actorURL)
}

func (c *ActorCache) Close() {
	c.mem.close()
}
