package tier

import (
	"sync"
	"testing"

	"github.com/flexprice/billing-lifecycle/internal/config"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(DefaultDefinitions("usd"))
	require.NoError(t, err)
	return c
}

func TestCatalog_Get(t *testing.T) {
	c := newDefaultCatalog(t)

	d, err := c.Get(Traveler)
	require.NoError(t, err)
	assert.Equal(t, "Traveler", d.Name)
	assert.True(t, decimal.RequireFromString("19").Equal(d.PriceFor(types.BillingIntervalMonthly)))
	assert.True(t, decimal.RequireFromString("190").Equal(d.PriceFor(types.BillingIntervalYearly)))

	_, err = c.Get("platinum")
	require.Error(t, err)
	assert.True(t, ierr.IsNotFound(err))
}

func TestCatalog_GetReturnsCopy(t *testing.T) {
	c := newDefaultCatalog(t)

	d, err := c.Get(Explorer)
	require.NoError(t, err)
	d.Features[0] = "mutated"
	d.Limits.Experiences = 1

	again, err := c.Get(Explorer)
	require.NoError(t, err)
	assert.Equal(t, "basic_editor", again.Features[0])
	assert.Equal(t, Limit(25), again.Limits.Experiences)
}

func TestCatalog_Compare(t *testing.T) {
	c := newDefaultCatalog(t)

	tests := []struct {
		name     string
		from, to string
		expected Direction
	}{
		{name: "free_to_explorer", from: Free, to: Explorer, expected: DirectionUpgrade},
		{name: "explorer_to_enterprise", from: Explorer, to: Enterprise, expected: DirectionUpgrade},
		{name: "enterprise_to_traveler", from: Enterprise, to: Traveler, expected: DirectionDowngrade},
		{name: "traveler_to_free", from: Traveler, to: Free, expected: DirectionDowngrade},
		{name: "same_tier", from: Traveler, to: Traveler, expected: DirectionEqual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Compare(tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := c.Compare(Free, "unknown")
	assert.True(t, ierr.IsNotFound(err))
}

func TestCatalog_LimitFor(t *testing.T) {
	c := newDefaultCatalog(t)

	l, err := c.LimitFor(Enterprise, LimitStorage)
	require.NoError(t, err)
	assert.True(t, l.IsUnlimited())
	assert.True(t, l.Allows(1<<40))

	l, err = c.LimitFor(Free, LimitExperiences)
	require.NoError(t, err)
	assert.Equal(t, Limit(3), l)
	assert.True(t, l.Allows(3))
	assert.False(t, l.Allows(4))

	_, err = c.LimitFor(Free, LimitKind("seats"))
	assert.True(t, ierr.IsValidation(err))
}

func TestCatalog_LowestAndList(t *testing.T) {
	c := newDefaultCatalog(t)

	assert.Equal(t, Free, c.Lowest().ID)
	assert.Equal(t, []string{Free, Explorer, Traveler, Enterprise}, c.IDs())
	assert.Len(t, c.List(), 4)
}

func TestNewCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		defs []Definition
	}{
		{name: "empty", defs: nil},
		{name: "duplicate_id", defs: []Definition{{ID: "a", Rank: 0}, {ID: "a", Rank: 1}}},
		{name: "duplicate_rank", defs: []Definition{{ID: "a", Rank: 0}, {ID: "b", Rank: 0}}},
		{name: "negative_price", defs: []Definition{{ID: "a", MonthlyPrice: decimal.NewFromInt(-1)}}},
		{name: "bad_limit", defs: []Definition{{ID: "a", Limits: Limits{Exports: -2}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.defs)
			require.Error(t, err)
			assert.True(t, ierr.IsValidation(err))
		})
	}
}

func TestNewCatalogFromConfig(t *testing.T) {
	exports := int64(-1)
	c, err := NewCatalogFromConfig(config.BillingConfig{
		Currency: "USD",
		Tiers: []config.TierConfig{
			{
				ID:                   Explorer,
				MonthlyPrice:         "12.50",
				Exports:              &exports,
				MonthlyProviderPrice: "price_explorer_monthly",
			},
		},
	})
	require.NoError(t, err)

	d, err := c.Get(Explorer)
	require.NoError(t, err)
	assert.Equal(t, "usd", d.Currency)
	assert.True(t, decimal.RequireFromString("12.50").Equal(d.MonthlyPrice))
	assert.True(t, decimal.RequireFromString("90").Equal(d.YearlyPrice))
	assert.True(t, d.Limits.Exports.IsUnlimited())
	assert.Equal(t, "price_explorer_monthly", d.ProviderPriceFor(types.BillingIntervalMonthly))
	assert.Empty(t, d.ProviderPriceFor(types.BillingIntervalYearly))

	_, err = NewCatalogFromConfig(config.BillingConfig{
		Currency: "usd",
		Tiers:    []config.TierConfig{{ID: "platinum"}},
	})
	assert.True(t, ierr.IsValidation(err))
}

func TestRegistry_Swap(t *testing.T) {
	first := newDefaultCatalog(t)
	registry := NewRegistry(first)

	defs := DefaultDefinitions("usd")
	defs[1].MonthlyPrice = decimal.NewFromInt(11)
	second, err := NewCatalog(defs)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := registry.Catalog().Get(Explorer)
			assert.NoError(t, err)
			price := d.MonthlyPrice.IntPart()
			assert.True(t, price == 9 || price == 11)
		}()
	}

	old := registry.Swap(second)
	wg.Wait()

	assert.Same(t, first, old)
	assert.Same(t, second, registry.Catalog())
}
