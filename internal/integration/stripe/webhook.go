package stripe

import (
	"encoding/json"

	"github.com/flexprice/billing-lifecycle/internal/config"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// EventDecoder verifies Stripe-Signature headers and decodes event payloads
type EventDecoder struct {
	secret string
}

var _ provider.EventDecoder = (*EventDecoder)(nil)

func NewEventDecoder(cfg *config.Configuration) *EventDecoder {
	return &EventDecoder{secret: cfg.Stripe.WebhookSecret}
}

func (d *EventDecoder) VerifyEvent(payload []byte, signature string) (*provider.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, d.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Invalid webhook signature").
			Mark(ierr.ErrValidation)
	}
	return &provider.Event{
		ID:      event.ID,
		Type:    types.WebhookEventType(event.Type),
		Created: unixTime(event.Created),
		Payload: payload,
	}, nil
}

// eventObject returns the raw data.object of an event envelope
func eventObject(payload []byte) (json.RawMessage, error) {
	var envelope struct {
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Malformed webhook payload").
			Mark(ierr.ErrValidation)
	}
	if len(envelope.Data.Object) == 0 {
		return nil, ierr.NewError("webhook payload has no data object").
			WithHint("Malformed webhook payload").
			Mark(ierr.ErrValidation)
	}
	return envelope.Data.Object, nil
}

func (d *EventDecoder) DecodeSubscription(payload []byte) (*provider.Subscription, error) {
	raw, err := eventObject(payload)
	if err != nil {
		return nil, err
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Malformed subscription payload").
			Mark(ierr.ErrValidation)
	}
	if sub.ID == "" {
		return nil, ierr.NewError("subscription payload has no id").
			WithHint("Malformed subscription payload").
			Mark(ierr.ErrValidation)
	}
	return toProviderSubscription(&sub), nil
}

func (d *EventDecoder) DecodeInvoice(payload []byte) (*provider.Invoice, error) {
	raw, err := eventObject(payload)
	if err != nil {
		return nil, err
	}
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Malformed invoice payload").
			Mark(ierr.ErrValidation)
	}
	out := toProviderInvoice(&inv)
	out.SubscriptionID = invoiceSubscriptionID(raw)
	return out, nil
}
