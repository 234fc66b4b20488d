package subscription

import (
	"time"

	"github.com/flexprice/billing-lifecycle/internal/types"
)

// Subscription is the local record kept convergent with the provider subscription.
// Fields are only written through the transition methods in transitions.go.
type Subscription struct {
	// ID is the unique identifier for the subscription record
	ID string `json:"id"`

	// SubscriberID identifies the account that owns the subscription
	SubscriberID string `json:"subscriber_id"`

	// ProviderCustomerID is the provider customer the subscription is billed to
	ProviderCustomerID string `json:"provider_customer_id"`

	// ProviderSubscriptionID is empty until the provider accepted the subscription
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`

	ProviderSubscriptionItemID string `json:"provider_subscription_item_id,omitempty"`
	ProviderPriceID            string `json:"provider_price_id,omitempty"`

	Tier     string                `json:"tier"`
	Interval types.BillingInterval `json:"interval"`

	Status types.SubscriptionStatus `json:"status"`

	// CurrentPeriodStart and CurrentPeriodEnd are copied from the provider, never computed locally
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`

	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`

	// PendingTierChange is set while a deferred downgrade waits for the period end
	PendingTierChange *PendingTierChange `json:"pending_tier_change,omitempty"`

	// Version is incremented by every persisted write
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingTierChange is a provider-scheduled tier change not yet in effect
type PendingTierChange struct {
	Tier               string                `json:"tier"`
	Interval           types.BillingInterval `json:"interval"`
	EffectiveAt        time.Time             `json:"effective_at"`
	ProviderScheduleID string                `json:"provider_schedule_id"`
	ProviderPriceID    string                `json:"provider_price_id"`
}

// ProviderState is the provider's authoritative view of a subscription
type ProviderState struct {
	SubscriptionID     string
	ItemID             string
	PriceID            string
	Status             types.SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

// New returns an unsaved record in status none
func New(subscriberID, providerCustomerID, tier string, interval types.BillingInterval, now time.Time) *Subscription {
	return &Subscription{
		ID:                 types.GenerateUUIDWithPrefix(types.UUID_PREFIX_SUBSCRIPTION),
		SubscriberID:       subscriberID,
		ProviderCustomerID: providerCustomerID,
		Tier:               tier,
		Interval:           interval,
		Status:             types.SubscriptionStatusNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (s *Subscription) IsLive() bool {
	return s.Status.IsLive()
}

// HasPendingTierChange reports whether a deferred change is scheduled
func (s *Subscription) HasPendingTierChange() bool {
	return s.PendingTierChange != nil
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		c.CanceledAt = &t
	}
	if s.PendingTierChange != nil {
		p := *s.PendingTierChange
		c.PendingTierChange = &p
	}
	return &c
}
