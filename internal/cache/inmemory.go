package cache

import (
	"context"
	"strings"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/config"
	goCache "github.com/patrickmn/go-cache"
)

// DefaultExpiration applies when the configuration leaves the preview ttl unset
const DefaultExpiration = time.Minute

// DefaultCleanupInterval is how often expired items are removed from the cache
const DefaultCleanupInterval = 10 * time.Minute

// InMemoryCache implements the Cache interface using github.com/patrickmn/go-cache
type InMemoryCache struct {
	cache   *goCache.Cache
	enabled bool
}

// NewInMemoryCache builds a cache whose default ttl is the preview cache ttl.
// A negative ttl disables caching.
func NewInMemoryCache(cfg *config.Configuration) Cache {
	ttl := cfg.Billing.PreviewCacheTTL
	if ttl == 0 {
		ttl = DefaultExpiration
	}
	return newInMemoryCache(ttl, ttl > 0)
}

func newInMemoryCache(ttl time.Duration, enabled bool) *InMemoryCache {
	return &InMemoryCache{
		cache:   goCache.New(ttl, DefaultCleanupInterval),
		enabled: enabled,
	}
}

// Get retrieves a value from the cache
func (c *InMemoryCache) Get(_ context.Context, key string) (interface{}, bool) {
	if !c.enabled {
		return nil, false
	}
	return c.cache.Get(key)
}

// Set adds a value to the cache with the specified expiration
func (c *InMemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) {
	if !c.enabled {
		return
	}
	if expiration == 0 {
		expiration = goCache.DefaultExpiration
	}
	c.cache.Set(key, value, expiration)
}

func (c *InMemoryCache) Delete(_ context.Context, key string) {
	c.cache.Delete(key)
}

// DeleteByPrefix removes all keys with the given prefix
func (c *InMemoryCache) DeleteByPrefix(_ context.Context, prefix string) {
	for k := range c.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			c.cache.Delete(k)
		}
	}
}

func (c *InMemoryCache) Flush(_ context.Context) {
	c.cache.Flush()
}
