package proration

import (
	"time"

	"github.com/flexprice/billing-lifecycle/internal/cache"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
)

// Preview is the expected financial effect of a tier change. It is never persisted.
type Preview struct {
	CurrentTier string                `json:"current_tier"`
	NewTier     string                `json:"new_tier"`
	Interval    types.BillingInterval `json:"interval"`
	IsUpgrade   bool                  `json:"is_upgrade"`
	// ProrationAmount is positive for a charge and negative for a credit
	ProrationAmount decimal.Decimal `json:"proration_amount"`
	NextBillingDate time.Time       `json:"next_billing_date"`
	ImmediateCharge bool            `json:"immediate_charge"`
	CreditAmount    decimal.Decimal `json:"credit_amount"`
	Currency        string          `json:"currency"`
}

// NewPreview derives the upgrade flag, charge and credit from the provider amount
func NewPreview(currentTier, newTier string, interval types.BillingInterval, isUpgrade bool, amount decimal.Decimal, currency string, nextBilling time.Time) *Preview {
	return &Preview{
		CurrentTier:     currentTier,
		NewTier:         newTier,
		Interval:        interval,
		IsUpgrade:       isUpgrade,
		ProrationAmount: amount,
		NextBillingDate: nextBilling,
		ImmediateCharge: amount.IsPositive(),
		CreditAmount:    decimal.Max(decimal.Zero, amount.Neg()),
		Currency:        currency,
	}
}

// CacheKey identifies a preview for one version of a subscription record
func CacheKey(subscriptionID string, version int, newTier string, interval types.BillingInterval) string {
	return cache.GenerateKey(cache.PrefixProrationPreview, subscriptionID, version, newTier, interval)
}
