package stripe

import (
	"context"

	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/stripe/stripe-go/v82"
)

func (g *Gateway) CreateSubscription(ctx context.Context, input provider.CreateSubscriptionInput) (*provider.Subscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(input.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(input.PriceID)},
		},
	}
	params.AddMetadata(metadataSubscriberID, input.SubscriberID)
	params.AddExpand("items.data.price")
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	sub, err := g.client.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return nil, normalizeError(err)
	}

	g.logger.Debugw("created stripe subscription",
		"stripe_subscription_id", sub.ID,
		"subscriber_id", input.SubscriberID,
		"status", sub.Status,
	)
	return toProviderSubscription(sub), nil
}

func (g *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("items.data.price")

	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, params)
	if err != nil {
		return nil, normalizeError(err)
	}
	return toProviderSubscription(sub), nil
}

func (g *Gateway) UpdateSubscriptionItem(ctx context.Context, input provider.UpdateItemInput) (*provider.Subscription, error) {
	behavior := input.ProrationBehavior
	if behavior == "" {
		behavior = types.ProrationBehaviorCreateProrations
	}
	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(input.ItemID),
				Price: stripe.String(input.PriceID),
			},
		},
		ProrationBehavior: stripe.String(string(behavior)),
	}
	params.AddExpand("items.data.price")
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	sub, err := g.client.V1Subscriptions.Update(ctx, input.SubscriptionID, params)
	if err != nil {
		return nil, normalizeError(err)
	}
	return toProviderSubscription(sub), nil
}

func (g *Gateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*provider.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.AddExpand("items.data.price")

	sub, err := g.client.V1Subscriptions.Update(ctx, subscriptionID, params)
	if err != nil {
		return nil, normalizeError(err)
	}
	return toProviderSubscription(sub), nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.AddExpand("items.data.price")

	sub, err := g.client.V1Subscriptions.Cancel(ctx, subscriptionID, params)
	if err != nil {
		return nil, normalizeError(err)
	}
	return toProviderSubscription(sub), nil
}

// ScheduleChange keeps the current price until EffectiveAt and switches to the new price after.
// The schedule is released once its last phase starts.
func (g *Gateway) ScheduleChange(ctx context.Context, input provider.ScheduleInput) (*provider.Schedule, error) {
	schedule, err := g.client.V1SubscriptionSchedules.Create(ctx, &stripe.SubscriptionScheduleCreateParams{
		FromSubscription: stripe.String(input.SubscriptionID),
	})
	if err != nil {
		return nil, normalizeError(err)
	}

	currentPhase := &stripe.SubscriptionScheduleUpdatePhaseParams{
		Items: []*stripe.SubscriptionScheduleUpdatePhaseItemParams{
			{Price: stripe.String(input.CurrentPriceID)},
		},
		EndDate: stripe.Int64(input.EffectiveAt.Unix()),
	}
	if schedule.CurrentPhase != nil {
		currentPhase.StartDate = stripe.Int64(schedule.CurrentPhase.StartDate)
	}

	updated, err := g.client.V1SubscriptionSchedules.Update(ctx, schedule.ID, &stripe.SubscriptionScheduleUpdateParams{
		EndBehavior: stripe.String(string(stripe.SubscriptionScheduleEndBehaviorRelease)),
		Phases: []*stripe.SubscriptionScheduleUpdatePhaseParams{
			currentPhase,
			{
				Items: []*stripe.SubscriptionScheduleUpdatePhaseItemParams{
					{Price: stripe.String(input.NewPriceID)},
				},
			},
		},
	})
	if err != nil {
		// a half configured schedule would block later plan changes
		if _, releaseErr := g.client.V1SubscriptionSchedules.Release(ctx, schedule.ID, &stripe.SubscriptionScheduleReleaseParams{}); releaseErr != nil {
			g.logger.Errorw("failed to release incomplete stripe schedule",
				"schedule_id", schedule.ID,
				"error", releaseErr,
			)
		}
		return nil, normalizeError(err)
	}

	return &provider.Schedule{
		ID:             updated.ID,
		SubscriptionID: input.SubscriptionID,
	}, nil
}

func (g *Gateway) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	_, err := g.client.V1SubscriptionSchedules.Release(ctx, scheduleID, &stripe.SubscriptionScheduleReleaseParams{})
	return normalizeError(err)
}
