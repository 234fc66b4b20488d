package testutil

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// SubscriptionEvent describes a customer.subscription.* notification in Stripe's wire format
type SubscriptionEvent struct {
	EventID           string
	Type              string
	SubscriptionID    string
	CustomerID        string
	Status            string
	ItemID            string
	PriceID           string
	TierID            string
	Interval          string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
}

// InvoiceEvent describes an invoice.* notification in Stripe's wire format
type InvoiceEvent struct {
	EventID        string
	Type           string
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	// AmountDue is in cents
	AmountDue  int64
	AmountPaid int64
	Currency   string
	Status     string
}

func envelope(id, eventType string, object map[string]any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// Payload renders the event envelope
func (e SubscriptionEvent) Payload() []byte {
	interval := "month"
	if e.Interval == "yearly" {
		interval = "year"
	}
	price := map[string]any{
		"id":        e.PriceID,
		"object":    "price",
		"recurring": map[string]any{"interval": interval},
		"metadata":  map[string]any{},
	}
	if e.TierID != "" {
		price["metadata"] = map[string]any{"tier_id": e.TierID, "interval": e.Interval}
	}
	object := map[string]any{
		"id":                   e.SubscriptionID,
		"object":               "subscription",
		"customer":             e.CustomerID,
		"status":               e.Status,
		"cancel_at_period_end": e.CancelAtPeriodEnd,
		"items": map[string]any{
			"object": "list",
			"data": []any{
				map[string]any{
					"id":                   e.ItemID,
					"object":               "subscription_item",
					"price":                price,
					"current_period_start": e.PeriodStart.Unix(),
					"current_period_end":   e.PeriodEnd.Unix(),
				},
			},
		},
	}
	if e.CanceledAt != nil {
		object["canceled_at"] = e.CanceledAt.Unix()
	}
	return envelope(e.EventID, e.Type, object)
}

// Payload renders the event envelope, the subscription sits under parent details
func (e InvoiceEvent) Payload() []byte {
	currency := e.Currency
	if currency == "" {
		currency = "usd"
	}
	object := map[string]any{
		"id":          e.InvoiceID,
		"object":      "invoice",
		"customer":    e.CustomerID,
		"amount_due":  e.AmountDue,
		"amount_paid": e.AmountPaid,
		"currency":    currency,
		"status":      e.Status,
		"parent": map[string]any{
			"type":                 "subscription_details",
			"subscription_details": map[string]any{"subscription": e.SubscriptionID},
		},
	}
	return envelope(e.EventID, e.Type, object)
}

// SignPayload returns the Stripe-Signature header for payload
func SignPayload(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}
