package store

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore wraps a DocStore with an LRU cache of Get results. Every write
// through the wrapper invalidates the cached entry for its id. Listings are
// not cached.
//
// A Get fills the cache only if no write went through the wrapper while it
// was reading the backend, so a document read before a concurrent write is
// never cached after it.
type CachedStore struct {
	DocStore
	cache *lru.Cache[string, Run]

	mu  sync.Mutex
	gen uint64 // bumped by every write
}

// NewCached wraps next with a cache holding up to size runs.
func NewCached(next DocStore, size int) (*CachedStore, error) {
	c, err := lru.New[string, Run](size)
	if err != nil {
		return nil, fmt.Errorf("store: create cache: %w", err)
	}
	return &CachedStore{DocStore: next, cache: c}, nil
}

func (c *CachedStore) Get(ctx context.Context, id string) (Run, error) {
	if r, ok := c.cache.Get(id); ok {
		return r, nil
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	r, err := c.DocStore.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.cache.Add(id, r)
	}
	c.mu.Unlock()
	return r, nil
}

// invalidate drops id and marks in-flight reads as stale. Writers call it
// before and after the backend write.
func (c *CachedStore) invalidate(id string) {
	c.mu.Lock()
	c.gen++
	c.cache.Remove(id)
	c.mu.Unlock()
}

func (c *CachedStore) Put(ctx context.Context, run Run, merge bool) error {
	c.invalidate(run.ID)
	defer c.invalidate(run.ID)
	return c.DocStore.Put(ctx, run, merge)
}

func (c *CachedStore) Update(ctx context.Context, id string, u RunUpdate) error {
	c.invalidate(id)
	defer c.invalidate(id)
	return c.DocStore.Update(ctx, id, u)
}

func (c *CachedStore) Delete(ctx context.Context, id string) error {
	c.invalidate(id)
	defer c.invalidate(id)
	return c.DocStore.Delete(ctx, id)
}
