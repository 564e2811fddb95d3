package nodepool

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	refCacheKey      = "reference-hash"
	refCacheTTL      = 2 * time.Second
	refCacheCleanup  = 5 * time.Second
)

type refResult struct {
	ref ReferenceHash
	err error
}

// refCache coalesces concurrent reference-hash fetches: many drafts signing
// at once share one round trip, and a short TTL keeps the hash fresh enough
// for submission.
type refCache struct {
	cache *gocache.Cache
	fetch func(ctx context.Context) (ReferenceHash, error)

	mu      sync.Mutex
	waiters []chan refResult
}

func newRefCache(fetch func(ctx context.Context) (ReferenceHash, error)) *refCache {
	return &refCache{
		cache: gocache.New(refCacheTTL, refCacheCleanup),
		fetch: fetch,
	}
}

func (c *refCache) get(ctx context.Context) (ReferenceHash, error) {
	if v, ok := c.cache.Get(refCacheKey); ok {
		return v.(ReferenceHash), nil
	}

	c.mu.Lock()
	ch := make(chan refResult, 1)
	c.waiters = append(c.waiters, ch)
	leader := len(c.waiters) == 1
	c.mu.Unlock()

	if leader {
		ref, err := c.fetch(ctx)
		if err == nil {
			c.cache.Set(refCacheKey, ref, refCacheTTL)
		}
		c.mu.Lock()
		waiters := c.waiters
		c.waiters = nil
		c.mu.Unlock()
		for _, w := range waiters {
			w <- refResult{ref: ref, err: err}
		}
	}

	select {
	case <-ctx.Done():
		return ReferenceHash{}, ctx.Err()
	case res := <-ch:
		return res.ref, res.err
	}
}

// invalidate drops the cached hash, used after an expiry so the bump attempt
// anchors to a fresh one.
func (c *refCache) invalidate() {
	c.cache.Delete(refCacheKey)
}
