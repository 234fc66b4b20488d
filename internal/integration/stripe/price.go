package stripe

import (
	"context"
	"strings"

	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/stripe/stripe-go/v82"
)

func (g *Gateway) CreatePrice(ctx context.Context, input provider.CreatePriceInput) (*provider.Price, error) {
	params := &stripe.PriceCreateParams{
		Currency:   stripe.String(strings.ToLower(input.Currency)),
		UnitAmount: stripe.Int64(toMinorUnits(input.Amount)),
		Product:    stripe.String(g.productID),
		Recurring: &stripe.PriceCreateRecurringParams{
			Interval: stripe.String(recurringInterval(input.Interval)),
		},
	}
	params.AddMetadata(metadataTierID, input.TierID)
	params.AddMetadata(metadataInterval, string(input.Interval))
	if input.Temporary {
		params.AddMetadata(metadataTemporary, "true")
	}

	price, err := g.client.V1Prices.Create(ctx, params)
	if err != nil {
		return nil, normalizeError(err)
	}
	return toProviderPrice(price), nil
}

// DeactivatePrice archives the price; Stripe prices cannot be deleted
func (g *Gateway) DeactivatePrice(ctx context.Context, priceID string) error {
	_, err := g.client.V1Prices.Update(ctx, priceID, &stripe.PriceUpdateParams{
		Active: stripe.Bool(false),
	})
	return normalizeError(err)
}
