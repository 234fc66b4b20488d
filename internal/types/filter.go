package types

import (
	"time"

	"github.com/samber/lo"
)

const (
	FILTER_DEFAULT_LIMIT = 50
	FILTER_MAX_LIMIT     = 1000
)

// QueryFilter represents a generic pagination filter with optional fields
type QueryFilter struct {
	Limit  *int `json:"limit,omitempty" form:"limit" validate:"omitempty,min=1,max=1000"`
	Offset *int `json:"offset,omitempty" form:"offset" validate:"omitempty,min=0"`
}

// NewDefaultQueryFilter returns a filter with the default page size
func NewDefaultQueryFilter() *QueryFilter {
	return &QueryFilter{
		Limit:  lo.ToPtr(FILTER_DEFAULT_LIMIT),
		Offset: lo.ToPtr(0),
	}
}

// GetLimit returns the limit value or default if not set
func (f *QueryFilter) GetLimit() int {
	if f == nil || f.Limit == nil {
		return FILTER_DEFAULT_LIMIT
	}
	return lo.Clamp(*f.Limit, 1, FILTER_MAX_LIMIT)
}

// GetOffset returns the offset value or default if not set
func (f *QueryFilter) GetOffset() int {
	if f == nil || f.Offset == nil {
		return 0
	}
	return lo.Max([]int{*f.Offset, 0})
}

// PaymentAttemptFilter narrows the payment attempt history
type PaymentAttemptFilter struct {
	*QueryFilter
	SubscriberID      string                 `json:"subscriber_id,omitempty" form:"subscriber_id"`
	ProviderInvoiceID string                 `json:"provider_invoice_id,omitempty" form:"provider_invoice_id"`
	Status            []PaymentAttemptStatus `json:"status,omitempty" form:"status"`
}

// WebhookEventFilter narrows the webhook event audit trail
type WebhookEventFilter struct {
	*QueryFilter
	// Unprocessed restricts the result to events that have not been applied
	Unprocessed bool `json:"unprocessed,omitempty" form:"unprocessed"`
	// MaxAttempts, when positive, keeps only events below this processing attempt count
	MaxAttempts int `json:"max_attempts,omitempty" form:"max_attempts"`
	// MinAttempts, when positive, keeps only events at or above this processing attempt count
	MinAttempts int                `json:"min_attempts,omitempty" form:"min_attempts"`
	EventTypes  []WebhookEventType `json:"event_types,omitempty" form:"event_types"`
	// AvailableAt, when set, skips events whose processing lease is still held at that time
	AvailableAt *time.Time `json:"-" form:"-"`
}
