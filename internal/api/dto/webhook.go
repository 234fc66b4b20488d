package dto

import (
	"github.com/flexprice/billing-lifecycle/internal/domain/webhookevent"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/types"
)

// IngestWebhookRequest is a provider notification whose signature was already verified
type IngestWebhookRequest struct {
	ProviderEventID string
	EventType       types.WebhookEventType
	Payload         []byte
}

func (r *IngestWebhookRequest) Validate() error {
	if r.ProviderEventID == "" || r.EventType == "" {
		return ierr.NewError("webhook event id and type are required").
			WithHint("Malformed webhook event").
			WithReportableDetails(map[string]any{
				"provider_event_id": r.ProviderEventID,
				"event_type":        r.EventType,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

type IngestWebhookResponse struct {
	Result  types.IngestResult `json:"result"`
	EventID string             `json:"event_id,omitempty"`
}

// ReplayOptions controls a manual webhook replay
type ReplayOptions struct {
	// Force replays events that reached the processing attempt ceiling
	Force bool `json:"force"`
}

type WebhookEventResponse struct {
	*webhookevent.Event
	RequiresManualIntervention bool `json:"requires_manual_intervention"`
}

func NewWebhookEventResponse(e *webhookevent.Event, maxAttempts int) *WebhookEventResponse {
	return &WebhookEventResponse{
		Event:                      e,
		RequiresManualIntervention: e.RequiresManualIntervention(maxAttempts),
	}
}

type ListWebhookEventsResponse = types.ListResponse[*WebhookEventResponse]

// ReplaySummary reports a sweep over unprocessed webhook events
type ReplaySummary struct {
	Replayed  int `json:"replayed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
