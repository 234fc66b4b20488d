// Package provider defines the boundary between the billing engine and the
// recurring-payments provider. Implementations translate provider failures into
// *Error so the engine only branches on normalized values.
package provider

import (
	"context"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
)

// Gateway is the set of provider operations the engine depends on.
// Every mutating call must be safe to repeat under the retry executor.
type Gateway interface {
	CreateSubscription(ctx context.Context, input CreateSubscriptionInput) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	// UpdateSubscriptionItem swaps the price on the single subscription item
	UpdateSubscriptionItem(ctx context.Context, input UpdateItemInput) (*Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	CreatePrice(ctx context.Context, input CreatePriceInput) (*Price, error)
	DeactivatePrice(ctx context.Context, priceID string) error

	// PreviewInvoice returns the proration for a hypothetical price change without committing it
	PreviewInvoice(ctx context.Context, input PreviewInput) (*InvoicePreview, error)
	InvoicePendingProrations(ctx context.Context, input InvoiceInput) (*Invoice, error)
	PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// ScheduleChange moves the subscription to a new price at EffectiveAt
	ScheduleChange(ctx context.Context, input ScheduleInput) (*Schedule, error)
	ReleaseSchedule(ctx context.Context, scheduleID string) error

	Refund(ctx context.Context, input RefundInput) (*Refund, error)
}

// EventDecoder verifies and decodes provider notifications
type EventDecoder interface {
	// VerifyEvent checks the signature and returns the event envelope
	VerifyEvent(payload []byte, signature string) (*Event, error)
	DecodeSubscription(payload []byte) (*Subscription, error)
	DecodeInvoice(payload []byte) (*Invoice, error)
}

type Subscription struct {
	ID         string
	CustomerID string
	Status     types.SubscriptionStatus
	ItemID     string
	PriceID    string
	// TierID and Interval come from price metadata and may be empty for foreign prices
	TierID             string
	Interval           types.BillingInterval
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	ScheduleID         string
}

type CreateSubscriptionInput struct {
	CustomerID     string
	PriceID        string
	SubscriberID   string
	IdempotencyKey string
}

type UpdateItemInput struct {
	SubscriptionID    string
	ItemID            string
	PriceID           string
	ProrationBehavior types.ProrationBehavior
	IdempotencyKey    string
}

type CreatePriceInput struct {
	TierID   string
	Interval types.BillingInterval
	Amount   decimal.Decimal
	Currency string
	// Temporary prices are created for previews and deactivated right after
	Temporary bool
}

type Price struct {
	ID       string
	TierID   string
	Interval types.BillingInterval
	Amount   decimal.Decimal
	Currency string
}

type PreviewInput struct {
	CustomerID     string
	SubscriptionID string
	ItemID         string
	PriceID        string
	PeriodEnd      time.Time
}

type InvoicePreview struct {
	// ProrationAmount is positive for a charge and negative for a credit
	ProrationAmount decimal.Decimal
	Currency        string
	NextBillingDate time.Time
}

type InvoiceInput struct {
	CustomerID     string
	SubscriptionID string
	Description    string
	IdempotencyKey string
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountDue      decimal.Decimal
	AmountPaid     decimal.Decimal
	Currency       string
	Status         string
	Paid           bool
	Description    string
	// FailureCode is the raw provider code of the last failed charge, if any
	FailureCode string
}

type ScheduleInput struct {
	SubscriptionID string
	CurrentPriceID string
	NewPriceID     string
	EffectiveAt    time.Time
}

type Schedule struct {
	ID             string
	SubscriptionID string
}

type RefundInput struct {
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	IdempotencyKey string
}

type Refund struct {
	ID        string
	PaymentID string
	Amount    decimal.Decimal
	Currency  string
	Status    string
}

// Event is a verified notification envelope
type Event struct {
	ID      string
	Type    types.WebhookEventType
	Created time.Time
	Payload []byte
}
