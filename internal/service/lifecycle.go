package service

import (
	"context"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/idempotency"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/sentry"
	"github.com/flexprice/billing-lifecycle/internal/types"
)

// Provider operation names used for retry logs and spans
const (
	opCreateSubscription = "create_subscription"
	opCancelSubscription = "cancel_subscription"
	opSetCancelAtEnd     = "set_cancel_at_period_end"
	opUpdateItem         = "update_subscription_item"
	opCreatePrice        = "create_price"
	opDeactivatePrice    = "deactivate_price"
	opPreviewInvoice     = "preview_invoice"
	opInvoiceProrations  = "invoice_pending_prorations"
	opPayInvoice         = "pay_invoice"
	opScheduleChange     = "schedule_change"
	opReleaseSchedule    = "release_schedule"
	opRefund             = "refund"
)

var idempotencyKeys = idempotency.NewGenerator()

// transition is a typed state change applied to a copy of the record
type transition func(sub *subscription.Subscription, now time.Time) error

// lifecycle is the single write path for subscription records. User operations
// and webhook handlers both go through it.
type lifecycle struct {
	ServiceParams
}

func subscriberLockKey(subscriberID string) string {
	return "subscriber:" + subscriberID
}

// withSubscriberLock serializes fn with every other operation on the subscriber
func (l lifecycle) withSubscriberLock(ctx context.Context, subscriberID string, fn func(ctx context.Context) error) error {
	return l.Locker.WithLock(ctx, subscriberLockKey(subscriberID), fn)
}

func (l lifecycle) loadLive(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	sub, err := l.SubRepo.GetLiveBySubscriber(ctx, subscriberID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil, ierr.WithError(err).
				WithHint("No active subscription found").
				WithReportableDetails(map[string]any{
					"subscriber_id": subscriberID,
				}).
				Mark(ierr.ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

func (l lifecycle) loadLatest(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	sub, err := l.SubRepo.GetLatestBySubscriber(ctx, subscriberID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil, ierr.WithError(err).
				WithHint("No subscription found").
				WithReportableDetails(map[string]any{
					"subscriber_id": subscriberID,
				}).
				Mark(ierr.ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// apply runs fn on a copy of sub and persists it with the version check.
// sub is only replaced once the write succeeded.
func (l lifecycle) apply(ctx context.Context, sub *subscription.Subscription, fn transition) error {
	next := sub.Clone()
	if err := fn(next, l.now()); err != nil {
		return err
	}
	if err := l.SubRepo.Update(ctx, next); err != nil {
		if ierr.IsVersionConflict(err) {
			l.Logger.Warnw("subscription changed concurrently",
				"subscription_id", sub.ID,
				"subscriber_id", sub.SubscriberID,
				"version", sub.Version,
			)
		}
		return err
	}
	*sub = *next
	return nil
}

// persistAccepted writes a change the provider already accepted. The write
// ignores cancellation of ctx. Failures are reported and left to webhook reconciliation.
func (l lifecycle) persistAccepted(ctx context.Context, sub *subscription.Subscription, operation string, fn transition) error {
	err := l.apply(context.WithoutCancel(ctx), sub, fn)
	if err != nil && !ierr.IsInvalidOperation(err) {
		l.Logger.Errorw("failed to persist provider accepted change",
			"operation", operation,
			"subscription_id", sub.ID,
			"subscriber_id", sub.SubscriberID,
			"provider_subscription_id", sub.ProviderSubscriptionID,
			"error", err,
		)
		l.Sentry.CaptureWithTags(err, map[string]string{
			"operation":     operation,
			"subscriber_id": sub.SubscriberID,
		})
	}
	return err
}

// priceFor returns the provider price billing def at interval. Tiers without a
// preconfigured price get one created on demand.
func (l lifecycle) priceFor(ctx context.Context, subscriberID string, def *tier.Definition, interval types.BillingInterval) (string, error) {
	if id := def.ProviderPriceFor(interval); id != "" {
		return id, nil
	}
	price, err := callProvider(ctx, l.ServiceParams, retry.Meta{
		Operation:    opCreatePrice,
		SubscriberID: subscriberID,
		ResourceID:   def.ID,
	}, func(ctx context.Context) (*provider.Price, error) {
		return l.Gateway.CreatePrice(ctx, provider.CreatePriceInput{
			TierID:   def.ID,
			Interval: interval,
			Amount:   def.PriceFor(interval),
			Currency: def.Currency,
		})
	})
	if err != nil {
		return "", err
	}
	return price.ID, nil
}

// releaseSchedule drops the provider schedule behind a pending tier change and
// persists the cleared pending change before returning. A schedule the provider
// no longer knows counts as released.
func (l lifecycle) releaseSchedule(ctx context.Context, sub *subscription.Subscription) error {
	if !sub.HasPendingTierChange() || sub.PendingTierChange.ProviderScheduleID == "" {
		return nil
	}
	scheduleID := sub.PendingTierChange.ProviderScheduleID
	err := execProvider(ctx, l.ServiceParams, retry.Meta{
		Operation:    opReleaseSchedule,
		SubscriberID: sub.SubscriberID,
		ResourceID:   scheduleID,
	}, func(ctx context.Context) error {
		return l.Gateway.ReleaseSchedule(ctx, scheduleID)
	})
	if err != nil && !isResourceMissing(err) {
		return err
	}
	return l.persistAccepted(ctx, sub, opReleaseSchedule, func(sub *subscription.Subscription, now time.Time) error {
		return sub.ClearPendingTierChange(now)
	})
}

func isResourceMissing(err error) bool {
	var pe *provider.Error
	return ierr.As(err, &pe) && pe.Code == provider.CodeResourceMissing
}

// recordAttempt appends to the payment history. Write failures are reported, not returned.
func (l lifecycle) recordAttempt(ctx context.Context, attempt *payment.Attempt) {
	if err := l.PaymentRepo.Create(ctx, attempt); err != nil {
		l.Logger.Errorw("failed to record payment attempt",
			"attempt_id", attempt.ID,
			"subscriber_id", attempt.SubscriberID,
			"status", attempt.Status,
			"amount", attempt.Amount.String(),
			"error", err,
		)
		l.Sentry.CaptureException(err)
	}
}

// stateOf converts a provider subscription into the input of a transition
func stateOf(p *provider.Subscription) subscription.ProviderState {
	if p == nil {
		return subscription.ProviderState{}
	}
	return subscription.ProviderState{
		SubscriptionID:     p.ID,
		ItemID:             p.ItemID,
		PriceID:            p.PriceID,
		Status:             p.Status,
		CurrentPeriodStart: p.CurrentPeriodStart,
		CurrentPeriodEnd:   p.CurrentPeriodEnd,
		CancelAtPeriodEnd:  p.CancelAtPeriodEnd,
		CanceledAt:         p.CanceledAt,
	}
}

// callProvider runs op under the retry executor inside a provider span
func callProvider[T any](ctx context.Context, p ServiceParams, meta retry.Meta, op func(ctx context.Context) (T, error)) (T, error) {
	span, spanCtx := p.Sentry.StartProviderSpan(ctx, meta.Operation, map[string]interface{}{
		"subscriber_id": meta.SubscriberID,
		"resource_id":   meta.ResourceID,
	})
	defer sentry.FinishSpan(span)
	return retry.Do(spanCtx, p.Retry, meta, op)
}

func execProvider(ctx context.Context, p ServiceParams, meta retry.Meta, op func(ctx context.Context) error) error {
	_, err := callProvider(ctx, p, meta, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
