package dto

import (
	"strings"

	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/domain/proration"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/flexprice/billing-lifecycle/internal/validator"
)

type CreateSubscriptionRequest struct {
	SubscriberID       string                `json:"subscriber_id" validate:"required"`
	ProviderCustomerID string                `json:"provider_customer_id" validate:"required"`
	Tier               string                `json:"tier" validate:"required"`
	Interval           types.BillingInterval `json:"interval"`
}

func (r *CreateSubscriptionRequest) Validate() error {
	r.Tier = normalizeTier(r.Tier)
	if r.Interval == "" {
		r.Interval = types.BillingIntervalMonthly
	}
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	return r.Interval.Validate()
}

// ChangeTierRequest moves a subscriber to another tier or billing interval
type ChangeTierRequest struct {
	SubscriberID string                `json:"subscriber_id" validate:"required"`
	NewTier      string                `json:"tier" validate:"required"`
	Interval     types.BillingInterval `json:"interval"`
}

func (r *ChangeTierRequest) Validate() error {
	r.NewTier = normalizeTier(r.NewTier)
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if r.Interval == "" {
		return nil
	}
	return r.Interval.Validate()
}

// DowngradeRequest defers the change to the end of the current period unless Immediate is set
type DowngradeRequest struct {
	ChangeTierRequest
	Immediate bool `json:"immediate"`
}

type CancelSubscriptionRequest struct {
	SubscriberID string `json:"subscriber_id" validate:"required"`
	AtPeriodEnd  bool   `json:"at_period_end"`
	Reason       string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

func (r *CancelSubscriptionRequest) Validate() error {
	return validator.ValidateRequest(r)
}

type ProrationPreviewRequest struct {
	SubscriberID string                `form:"-" validate:"required"`
	NewTier      string                `form:"tier" validate:"required"`
	Interval     types.BillingInterval `form:"interval"`
}

func (r *ProrationPreviewRequest) Validate() error {
	r.NewTier = normalizeTier(r.NewTier)
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if r.Interval == "" {
		return nil
	}
	return r.Interval.Validate()
}

type SubscriptionResponse struct {
	*subscription.Subscription
}

func NewSubscriptionResponse(sub *subscription.Subscription) *SubscriptionResponse {
	return &SubscriptionResponse{Subscription: sub}
}

// ChangeTierResponse is the outcome of an upgrade or downgrade. Scheduled is
// true when the change waits for the period end and the tier in effect is unchanged.
type ChangeTierResponse struct {
	Subscription   *SubscriptionResponse `json:"subscription"`
	Scheduled      bool                  `json:"scheduled"`
	Proration      *proration.Preview    `json:"proration,omitempty"`
	PaymentAttempt *payment.Attempt      `json:"payment_attempt,omitempty"`
}

type EntitlementResponse struct {
	SubscriberID string                   `json:"subscriber_id"`
	Status       types.SubscriptionStatus `json:"status"`
	Tier         *tier.Definition         `json:"tier"`
}

type ListPaymentAttemptsResponse = types.ListResponse[*payment.Attempt]

func normalizeTier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidateSubscriberID checks a subscriber id taken from a path or query
func ValidateSubscriberID(subscriberID string) error {
	if subscriberID == "" {
		return ierr.NewError("subscriber_id is required").
			WithHint("Subscriber ID is required").
			Mark(ierr.ErrValidation)
	}
	return nil
}
