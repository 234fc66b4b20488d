package tier

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/flexprice/billing-lifecycle/internal/config"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Catalog is an immutable, rank ordered set of tier definitions
type Catalog struct {
	byID    map[string]*Definition
	ordered []*Definition
}

// NewCatalog validates the definitions and builds a catalog ordered by rank.
// Ids and ranks must be unique.
func NewCatalog(defs []Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, ierr.NewError("tier catalog is empty").
			WithHint("At least one tier must be configured").
			Mark(ierr.ErrValidation)
	}

	c := &Catalog{byID: make(map[string]*Definition, len(defs))}
	ranks := make(map[int]string, len(defs))
	for i := range defs {
		d := defs[i].clone()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.byID[d.ID]; ok {
			return nil, ierr.NewErrorf("duplicate tier %s", d.ID).
				Mark(ierr.ErrValidation)
		}
		if other, ok := ranks[d.Rank]; ok {
			return nil, ierr.NewErrorf("tiers %s and %s share rank %d", other, d.ID, d.Rank).
				WithHint("Each tier needs a distinct rank").
				Mark(ierr.ErrValidation)
		}
		ranks[d.Rank] = d.ID
		c.byID[d.ID] = d
		c.ordered = append(c.ordered, d)
	}
	sort.Slice(c.ordered, func(i, j int) bool {
		return c.ordered[i].Rank < c.ordered[j].Rank
	})
	return c, nil
}

// Get returns a copy of the tier definition
func (c *Catalog) Get(id string) (*Definition, error) {
	d, ok := c.byID[id]
	if !ok {
		return nil, ierr.NewErrorf("tier %s not found", id).
			WithHintf("Tier %q does not exist", id).
			WithReportableDetails(map[string]any{
				"tier_id":   id,
				"available": c.IDs(),
			}).
			Mark(ierr.ErrNotFound)
	}
	return d.clone(), nil
}

func (c *Catalog) Exists(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Compare returns the direction of moving from tier a to tier b
func (c *Catalog) Compare(a, b string) (Direction, error) {
	from, err := c.Get(a)
	if err != nil {
		return DirectionEqual, err
	}
	to, err := c.Get(b)
	if err != nil {
		return DirectionEqual, err
	}
	switch {
	case to.Rank > from.Rank:
		return DirectionUpgrade, nil
	case to.Rank < from.Rank:
		return DirectionDowngrade, nil
	}
	return DirectionEqual, nil
}

func (c *Catalog) LimitFor(tierID string, kind LimitKind) (Limit, error) {
	if err := kind.Validate(); err != nil {
		return 0, err
	}
	d, err := c.Get(tierID)
	if err != nil {
		return 0, err
	}
	return d.Limit(kind), nil
}

// Lowest returns the bottom of the hierarchy
func (c *Catalog) Lowest() *Definition {
	return c.ordered[0].clone()
}

// List returns copies of all tiers ordered from lowest to highest
func (c *Catalog) List() []*Definition {
	return lo.Map(c.ordered, func(d *Definition, _ int) *Definition {
		return d.clone()
	})
}

func (c *Catalog) IDs() []string {
	return lo.Map(c.ordered, func(d *Definition, _ int) string {
		return d.ID
	})
}

// Registry holds the active catalog and allows it to be replaced atomically
type Registry struct {
	current atomic.Pointer[Catalog]
}

func NewRegistry(c *Catalog) *Registry {
	r := &Registry{}
	r.current.Store(c)
	return r
}

// Catalog returns the active catalog. A caller keeps a consistent view for as
// long as it holds the returned value.
func (r *Registry) Catalog() *Catalog {
	return r.current.Load()
}

// Swap installs c and returns the catalog it replaced
func (r *Registry) Swap(c *Catalog) *Catalog {
	return r.current.Swap(c)
}

// DefaultDefinitions is the built-in tier table
func DefaultDefinitions(currency string) []Definition {
	return []Definition{
		{
			ID:           Free,
			Name:         "Free",
			MonthlyPrice: decimal.Zero,
			YearlyPrice:  decimal.Zero,
			Currency:     currency,
			Limits:       Limits{Experiences: 3, Storage: 1024, Exports: 5},
			Features:     []string{"basic_editor"},
			Rank:         0,
		},
		{
			ID:           Explorer,
			Name:         "Explorer",
			MonthlyPrice: decimal.RequireFromString("9.00"),
			YearlyPrice:  decimal.RequireFromString("90.00"),
			Currency:     currency,
			Limits:       Limits{Experiences: 25, Storage: 10240, Exports: 50},
			Features:     []string{"basic_editor", "custom_branding"},
			Rank:         1,
		},
		{
			ID:           Traveler,
			Name:         "Traveler",
			MonthlyPrice: decimal.RequireFromString("19.00"),
			YearlyPrice:  decimal.RequireFromString("190.00"),
			Currency:     currency,
			Limits:       Limits{Experiences: 100, Storage: 51200, Exports: Unlimited},
			Features:     []string{"basic_editor", "custom_branding", "analytics"},
			Rank:         2,
		},
		{
			ID:           Enterprise,
			Name:         "Enterprise",
			MonthlyPrice: decimal.RequireFromString("49.00"),
			YearlyPrice:  decimal.RequireFromString("490.00"),
			Currency:     currency,
			Limits:       Limits{Experiences: Unlimited, Storage: Unlimited, Exports: Unlimited},
			Features:     []string{"basic_editor", "custom_branding", "analytics", "priority_support", "sso"},
			Rank:         3,
		},
	}
}

// NewCatalogFromConfig builds the default table with configured overrides applied.
// Overrides for ids outside the default table are rejected.
func NewCatalogFromConfig(cfg config.BillingConfig) (*Catalog, error) {
	defs := DefaultDefinitions(strings.ToLower(cfg.Currency))
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.ID] = i
	}

	for _, o := range cfg.Tiers {
		i, ok := index[o.ID]
		if !ok {
			return nil, ierr.NewErrorf("tier override %s does not match a known tier", o.ID).
				WithHint("Tier overrides may only change free, explorer, traveler or enterprise").
				Mark(ierr.ErrValidation)
		}
		d := &defs[i]
		if o.Name != "" {
			d.Name = o.Name
		}
		if o.MonthlyPrice != "" {
			price, err := decimal.NewFromString(o.MonthlyPrice)
			if err != nil {
				return nil, ierr.WithError(err).
					WithHintf("Invalid monthly price for tier %s", o.ID).
					Mark(ierr.ErrValidation)
			}
			d.MonthlyPrice = price
		}
		if o.YearlyPrice != "" {
			price, err := decimal.NewFromString(o.YearlyPrice)
			if err != nil {
				return nil, ierr.WithError(err).
					WithHintf("Invalid yearly price for tier %s", o.ID).
					Mark(ierr.ErrValidation)
			}
			d.YearlyPrice = price
		}
		if o.Experiences != nil {
			d.Limits.Experiences = Limit(*o.Experiences)
		}
		if o.Storage != nil {
			d.Limits.Storage = Limit(*o.Storage)
		}
		if o.Exports != nil {
			d.Limits.Exports = Limit(*o.Exports)
		}
		if len(o.Features) > 0 {
			d.Features = o.Features
		}
		d.ProviderPriceIDs = ProviderPrices{
			Monthly: o.MonthlyProviderPrice,
			Yearly:  o.YearlyProviderPrice,
		}
	}

	return NewCatalog(defs)
}
