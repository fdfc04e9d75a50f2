package refill

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"go.opencrowd.net/scriptorium/pkg/assets"
)

// scopeCache memoizes the active scope ID lists (active campaigns, published
// topics) between daemon sweeps, so a sweep across all four pools does not
// hit the campaign/topic tables four times a tick.
type scopeCache struct {
	Assets *assets.Store
	TTL    time.Duration

	mu  sync.Mutex
	lru *simplelru.LRU
}

type scopeCacheEntry struct {
	ids         []int64
	lastUpdated time.Time
}

func newScopeCache(store *assets.Store, ttl time.Duration) *scopeCache {
	// One slot per scope kind.
	lru, err := simplelru.NewLRU(2, nil)
	if err != nil {
		panic("failed to build scope LRU: " + err.Error())
	}
	return &scopeCache{Assets: store, TTL: ttl, lru: lru}
}

// Get returns the active scope IDs for a scope kind, refreshing expired
// entries from the store.
func (c *scopeCache) Get(ctx context.Context, kind assets.ScopeKind) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entryI, ok := c.lru.Get(kind); ok {
		entry := entryI.(*scopeCacheEntry)
		if time.Since(entry.lastUpdated) <= c.TTL {
			return entry.ids, nil
		}
		c.lru.Remove(kind)
	}
	var ids []int64
	var err error
	switch kind {
	case assets.ScopeCampaign:
		ids, err = c.Assets.ActiveCampaignIDs(ctx)
	case assets.ScopeTopic:
		ids, err = c.Assets.PublishedTopicIDs(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.lru.Add(kind, &scopeCacheEntry{ids: ids, lastUpdated: time.Now()})
	return ids, nil
}
