package cache

import (
	"context"
	"testing"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := newInMemoryCache(time.Minute, true)

	c.Set(ctx, "proration:subs_1:1:traveler:monthly", 5, 0)
	c.Set(ctx, "proration:subs_1:2:traveler:monthly", 6, 0)
	c.Set(ctx, "proration:subs_2:1:traveler:monthly", 7, 0)

	v, ok := c.Get(ctx, "proration:subs_1:1:traveler:monthly")
	assert.True(t, ok)
	assert.Equal(t, 5, v)

	c.DeleteByPrefix(ctx, "proration:subs_1:")
	_, ok = c.Get(ctx, "proration:subs_1:2:traveler:monthly")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "proration:subs_2:1:traveler:monthly")
	assert.True(t, ok)

	c.Flush(ctx)
	_, ok = c.Get(ctx, "proration:subs_2:1:traveler:monthly")
	assert.False(t, ok)
}

func TestInMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := newInMemoryCache(time.Minute, true)

	c.Set(ctx, "short", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
}

func TestInMemoryCacheDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := config.GetDefaultConfig()
	cfg.Billing.PreviewCacheTTL = -1

	c := NewInMemoryCache(cfg)
	c.Set(ctx, "k", "v", 0)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestGenerateKey(t *testing.T) {
	assert.Equal(t, "proration:subs_1:3", GenerateKey(PrefixProrationPreview, "subs_1", 3))
}
