package stripe

import (
	"strings"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

var hundred = decimal.NewFromInt(100)

// toMinorUnits converts a major-unit amount to the integer cents Stripe expects
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount).Div(hundred)
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func recurringInterval(interval types.BillingInterval) string {
	if interval == types.BillingIntervalYearly {
		return string(stripe.PriceRecurringIntervalYear)
	}
	return string(stripe.PriceRecurringIntervalMonth)
}

func toSubscriptionStatus(status stripe.SubscriptionStatus) types.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return types.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusActive:
		return types.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return types.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return types.SubscriptionStatusCanceled
	case stripe.SubscriptionStatusIncomplete:
		return types.SubscriptionStatusIncomplete
	default:
		return types.SubscriptionStatusIncomplete
	}
}

// priceTier reads the tier and interval the engine stamped on the price
func priceTier(price *stripe.Price) (string, types.BillingInterval) {
	if price == nil {
		return "", ""
	}
	tierID := price.Metadata[metadataTierID]
	interval := types.BillingInterval(price.Metadata[metadataInterval])
	if interval == "" && price.Recurring != nil {
		switch price.Recurring.Interval {
		case stripe.PriceRecurringIntervalYear:
			interval = types.BillingIntervalYearly
		case stripe.PriceRecurringIntervalMonth:
			interval = types.BillingIntervalMonthly
		}
	}
	return tierID, interval
}

func toProviderSubscription(sub *stripe.Subscription) *provider.Subscription {
	out := &provider.Subscription{
		ID:                sub.ID,
		Status:            toSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		canceledAt := unixTime(sub.CanceledAt)
		out.CanceledAt = &canceledAt
	}
	if sub.Schedule != nil {
		out.ScheduleID = sub.Schedule.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		out.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		if item.Price != nil {
			out.PriceID = item.Price.ID
			out.TierID, out.Interval = priceTier(item.Price)
		}
	}
	return out
}

func toProviderPrice(price *stripe.Price) *provider.Price {
	tierID, interval := priceTier(price)
	return &provider.Price{
		ID:       price.ID,
		TierID:   tierID,
		Interval: interval,
		Amount:   fromMinorUnits(price.UnitAmount),
		Currency: strings.ToLower(string(price.Currency)),
	}
}

func toProviderInvoice(inv *stripe.Invoice) *provider.Invoice {
	out := &provider.Invoice{
		ID:          inv.ID,
		AmountDue:   fromMinorUnits(inv.AmountDue),
		AmountPaid:  fromMinorUnits(inv.AmountPaid),
		Currency:    strings.ToLower(string(inv.Currency)),
		Status:      string(inv.Status),
		Paid:        inv.Status == stripe.InvoiceStatusPaid,
		Description: inv.Description,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.LastFinalizationError != nil {
		out.FailureCode = string(inv.LastFinalizationError.Code)
	}
	return out
}
