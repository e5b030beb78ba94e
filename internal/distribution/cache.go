package distribution

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/punchamoorthee/pointledger/internal/domain"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 30 * time.Second
)

// CachedLookup keeps recently resolved distributions in an expiring LRU and
// collapses concurrent misses for the same id into one backend read.
// Not-found results are not cached.
type CachedLookup struct {
	next  Lookup
	cache *expirable.LRU[string, domain.Distribution]
	group singleflight.Group
}

func NewCachedLookup(next Lookup, size int, ttl time.Duration) *CachedLookup {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedLookup{
		next:  next,
		cache: expirable.NewLRU[string, domain.Distribution](size, nil, ttl),
	}
}

func (c *CachedLookup) GetDistribution(ctx context.Context, id string) (domain.Distribution, error) {
	if d, ok := c.cache.Get(id); ok {
		return d, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		d, err := c.next.GetDistribution(ctx, id)
		if err != nil {
			return domain.Distribution{}, err
		}
		c.cache.Add(id, d)
		return d, nil
	})
	if err != nil {
		return domain.Distribution{}, err
	}
	return v.(domain.Distribution), nil
}

// Invalidate drops id so the next lookup reads through.
func (c *CachedLookup) Invalidate(id string) {
	c.cache.Remove(id)
}
