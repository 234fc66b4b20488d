package stripe

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

// PreviewInvoice asks Stripe for the upcoming invoice as if the item moved to the new price now
// and sums the proration lines.
func (g *Gateway) PreviewInvoice(ctx context.Context, input provider.PreviewInput) (*provider.InvoicePreview, error) {
	params := &stripe.InvoiceCreatePreviewParams{
		Customer:     stripe.String(input.CustomerID),
		Subscription: stripe.String(input.SubscriptionID),
		SubscriptionDetails: &stripe.InvoiceCreatePreviewSubscriptionDetailsParams{
			Items: []*stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{
				{
					ID:    stripe.String(input.ItemID),
					Price: stripe.String(input.PriceID),
				},
			},
			ProrationBehavior: stripe.String(string(types.ProrationBehaviorCreateProrations)),
			ProrationDate:     stripe.Int64(time.Now().Unix()),
		},
	}

	inv, err := g.client.V1Invoices.CreatePreview(ctx, params)
	if err != nil {
		return nil, normalizeError(err)
	}

	var raw []byte
	if inv.LastResponse != nil {
		raw = inv.LastResponse.RawJSON
	}
	amount, err := prorationTotal(raw)
	if err != nil {
		return nil, err
	}

	next := input.PeriodEnd
	if next.IsZero() {
		next = unixTime(inv.PeriodEnd)
	}

	return &provider.InvoicePreview{
		ProrationAmount: amount,
		Currency:        strings.ToLower(string(inv.Currency)),
		NextBillingDate: next,
	}, nil
}

// InvoicePendingProrations bills the proration items a price change left on the subscription
func (g *Gateway) InvoicePendingProrations(ctx context.Context, input provider.InvoiceInput) (*provider.Invoice, error) {
	params := &stripe.InvoiceCreateParams{
		Customer:                    stripe.String(input.CustomerID),
		Subscription:                stripe.String(input.SubscriptionID),
		PendingInvoiceItemsBehavior: stripe.String("include"),
		AutoAdvance:                 stripe.Bool(false),
		Description:                 stripe.String(input.Description),
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	inv, err := g.client.V1Invoices.Create(ctx, params)
	if err != nil {
		return nil, normalizeError(err)
	}

	finalized, err := g.client.V1Invoices.FinalizeInvoice(ctx, inv.ID, &stripe.InvoiceFinalizeInvoiceParams{})
	if err != nil {
		return nil, normalizeError(err)
	}

	out := toProviderInvoice(finalized)
	out.SubscriptionID = input.SubscriptionID
	return out, nil
}

func (g *Gateway) PayInvoice(ctx context.Context, invoiceID string) (*provider.Invoice, error) {
	inv, err := g.client.V1Invoices.Pay(ctx, invoiceID, &stripe.InvoicePayParams{})
	if err != nil {
		return nil, normalizeError(err)
	}
	out := toProviderInvoice(inv)
	if inv.LastResponse != nil {
		out.SubscriptionID = invoiceSubscriptionID(inv.LastResponse.RawJSON)
	}
	return out, nil
}

func (g *Gateway) Refund(ctx context.Context, input provider.RefundInput) (*provider.Refund, error) {
	params := &stripe.RefundCreateParams{
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if strings.HasPrefix(input.PaymentID, "ch_") {
		params.Charge = stripe.String(input.PaymentID)
	} else {
		params.PaymentIntent = stripe.String(input.PaymentID)
	}
	if input.Amount.IsPositive() {
		params.Amount = stripe.Int64(toMinorUnits(input.Amount))
	}
	if input.Reason != "" {
		params.AddMetadata("reason", input.Reason)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	refund, err := g.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return nil, normalizeError(err)
	}
	return &provider.Refund{
		ID:        refund.ID,
		PaymentID: input.PaymentID,
		Amount:    fromMinorUnits(refund.Amount),
		Currency:  strings.ToLower(string(refund.Currency)),
		Status:    string(refund.Status),
	}, nil
}

// invoiceLines is the part of an invoice body needed to total prorations. The proration
// flag moved under parent details in recent API versions, both shapes are read.
type invoiceLines struct {
	Lines struct {
		Data []struct {
			Amount    int64 `json:"amount"`
			Proration bool  `json:"proration"`
			Parent    *struct {
				SubscriptionItemDetails *struct {
					Proration bool `json:"proration"`
				} `json:"subscription_item_details"`
				InvoiceItemDetails *struct {
					Proration bool `json:"proration"`
				} `json:"invoice_item_details"`
			} `json:"parent"`
		} `json:"data"`
	} `json:"lines"`
}

func prorationTotal(raw []byte) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Zero, nil
	}
	var body invoiceLines
	if err := json.Unmarshal(raw, &body); err != nil {
		return decimal.Zero, err
	}
	var cents int64
	for _, line := range body.Lines.Data {
		proration := line.Proration
		if p := line.Parent; p != nil {
			if p.SubscriptionItemDetails != nil && p.SubscriptionItemDetails.Proration {
				proration = true
			}
			if p.InvoiceItemDetails != nil && p.InvoiceItemDetails.Proration {
				proration = true
			}
		}
		if proration {
			cents += line.Amount
		}
	}
	return fromMinorUnits(cents), nil
}

// invoiceSubscriptionID reads the subscription an invoice belongs to from either the
// legacy top level field or the parent details
func invoiceSubscriptionID(raw []byte) string {
	var body struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if id := objectID(body.Subscription); id != "" {
		return id
	}
	if body.Parent != nil && body.Parent.SubscriptionDetails != nil {
		return objectID(body.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// objectID accepts either an id string or an expanded object
func objectID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
