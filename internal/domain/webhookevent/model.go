package webhookevent

import (
	"time"

	"github.com/flexprice/billing-lifecycle/internal/types"
)

// Event is the audit record of one provider notification. Events are never deleted.
type Event struct {
	ID              string                 `json:"id"`
	ProviderEventID string                 `json:"provider_event_id"`
	EventType       types.WebhookEventType `json:"event_type"`
	// ProviderSubscriptionID routes the event to a subscription, empty when the payload has none
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	Processed              bool       `json:"processed"`
	ProcessingAttempts     int        `json:"processing_attempts"`
	LastProcessingAttempt  *time.Time `json:"last_processing_attempt,omitempty"`
	LeaseExpiresAt         *time.Time `json:"lease_expires_at,omitempty"`
	ErrorMessage           string     `json:"error_message,omitempty"`
	RawPayload             []byte     `json:"-"`
	CreatedAt              time.Time  `json:"created_at"`
	ProcessedAt            *time.Time `json:"processed_at,omitempty"`
}

func New(providerEventID string, eventType types.WebhookEventType, providerSubscriptionID string, payload []byte, now time.Time) *Event {
	return &Event{
		ID:                     types.GenerateUUIDWithPrefix(types.UUID_PREFIX_WEBHOOK_EVENT),
		ProviderEventID:        providerEventID,
		EventType:              eventType,
		ProviderSubscriptionID: providerSubscriptionID,
		RawPayload:             payload,
		CreatedAt:              now,
	}
}

// RequiresManualIntervention reports whether automatic processing gave up on the event
func (e *Event) RequiresManualIntervention(maxAttempts int) bool {
	return !e.Processed && e.ProcessingAttempts >= maxAttempts
}

// Leased reports whether a worker still holds the event at the given time. The
// lease is cleared once the attempt finishes.
func (e *Event) Leased(at time.Time) bool {
	return e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(at)
}
