package payment

import (
	"time"

	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
)

// Attempt is one charge, or refund when Amount is negative, against the provider.
// Attempts are append-only.
type Attempt struct {
	ID                string                     `json:"id"`
	SubscriberID      string                     `json:"subscriber_id"`
	SubscriptionID    string                     `json:"subscription_id"`
	ProviderInvoiceID string                     `json:"provider_invoice_id,omitempty"`
	Amount            decimal.Decimal            `json:"amount"`
	Currency          string                     `json:"currency"`
	Status            types.PaymentAttemptStatus `json:"status"`
	Description       string                     `json:"description,omitempty"`
	// FailureCode is the classified code of a failed attempt
	FailureCode string    `json:"failure_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAttempt stamps a new attempt with an id and creation time
func NewAttempt(subscriberID, subscriptionID string, status types.PaymentAttemptStatus, amount decimal.Decimal, currency string, now time.Time) *Attempt {
	return &Attempt{
		ID:             types.GenerateUUIDWithPrefix(types.UUID_PREFIX_PAYMENT_ATTEMPT),
		SubscriberID:   subscriberID,
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Currency:       currency,
		Status:         status,
		CreatedAt:      now,
	}
}

func (a *Attempt) IsRefund() bool {
	return a.Amount.IsNegative()
}
