package tier

import (
	"slices"

	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
)

const (
	Free       = "free"
	Explorer   = "explorer"
	Traveler   = "traveler"
	Enterprise = "enterprise"
)

// LimitKind names a metered entitlement
type LimitKind string

const (
	LimitExperiences LimitKind = "experiences"
	LimitStorage     LimitKind = "storage"
	LimitExports     LimitKind = "exports"
)

func (k LimitKind) Validate() error {
	switch k {
	case LimitExperiences, LimitStorage, LimitExports:
		return nil
	}
	return ierr.NewErrorf("unknown limit kind %q", string(k)).
		WithHint("Limit kind must be one of experiences, storage or exports").
		Mark(ierr.ErrValidation)
}

// Limit is a numeric entitlement where Unlimited means no cap
type Limit int64

const Unlimited Limit = -1

func (l Limit) IsUnlimited() bool {
	return l == Unlimited
}

// Allows reports whether usage stays within the limit
func (l Limit) Allows(usage int64) bool {
	return l.IsUnlimited() || usage <= int64(l)
}

type Limits struct {
	Experiences Limit `json:"experiences"`
	// Storage is expressed in megabytes
	Storage Limit `json:"storage"`
	Exports Limit `json:"exports"`
}

// ProviderPrices are preconfigured recurring prices at the payment provider.
// Empty values mean a price is created on demand.
type ProviderPrices struct {
	Monthly string `json:"monthly,omitempty"`
	Yearly  string `json:"yearly,omitempty"`
}

// Definition describes a subscription tier. Values handed out by a Catalog are copies.
type Definition struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	MonthlyPrice     decimal.Decimal `json:"monthly_price"`
	YearlyPrice      decimal.Decimal `json:"yearly_price"`
	Currency         string          `json:"currency"`
	Limits           Limits          `json:"limits"`
	Features         []string        `json:"features"`
	ProviderPriceIDs ProviderPrices  `json:"-"`
	// Rank orders the hierarchy, higher is better
	Rank int `json:"rank"`
}

// PriceFor returns the recurring price for the billing interval
func (d *Definition) PriceFor(interval types.BillingInterval) decimal.Decimal {
	if interval == types.BillingIntervalYearly {
		return d.YearlyPrice
	}
	return d.MonthlyPrice
}

// ProviderPriceFor returns the preconfigured provider price, if any
func (d *Definition) ProviderPriceFor(interval types.BillingInterval) string {
	if interval == types.BillingIntervalYearly {
		return d.ProviderPriceIDs.Yearly
	}
	return d.ProviderPriceIDs.Monthly
}

func (d *Definition) Limit(kind LimitKind) Limit {
	switch kind {
	case LimitExperiences:
		return d.Limits.Experiences
	case LimitStorage:
		return d.Limits.Storage
	case LimitExports:
		return d.Limits.Exports
	}
	return 0
}

// IsFree reports whether the tier bills nothing on either interval
func (d *Definition) IsFree() bool {
	return d.MonthlyPrice.IsZero() && d.YearlyPrice.IsZero()
}

func (d *Definition) Validate() error {
	if d.ID == "" {
		return ierr.NewError("tier id is required").
			Mark(ierr.ErrValidation)
	}
	if d.MonthlyPrice.IsNegative() || d.YearlyPrice.IsNegative() {
		return ierr.NewErrorf("tier %s has a negative price", d.ID).
			WithHint("Tier prices must be zero or positive").
			WithReportableDetails(map[string]any{
				"tier_id":       d.ID,
				"monthly_price": d.MonthlyPrice.String(),
				"yearly_price":  d.YearlyPrice.String(),
			}).
			Mark(ierr.ErrValidation)
	}
	for _, l := range []Limit{d.Limits.Experiences, d.Limits.Storage, d.Limits.Exports} {
		if l < Unlimited {
			return ierr.NewErrorf("tier %s has an invalid limit %d", d.ID, l).
				WithHint("Limits must be zero or positive, or -1 for unlimited").
				Mark(ierr.ErrValidation)
		}
	}
	return nil
}

func (d *Definition) clone() *Definition {
	c := *d
	c.Features = slices.Clone(d.Features)
	return &c
}

// Direction is the outcome of comparing two tiers
type Direction int

const (
	DirectionDowngrade Direction = -1
	DirectionEqual     Direction = 0
	DirectionUpgrade   Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionUpgrade:
		return "upgrade"
	case DirectionDowngrade:
		return "downgrade"
	}
	return "equal"
}
