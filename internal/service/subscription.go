package service

import (
	"context"
	"fmt"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/domain/proration"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/idempotency"
	"github.com/flexprice/billing-lifecycle/internal/paymenterror"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/samber/lo"
)

// SubscriptionService owns the user initiated lifecycle of a subscription.
// Every provider mutation runs under the retry executor and every operation is
// serialized per subscriber.
type SubscriptionService interface {
	Create(ctx context.Context, req dto.CreateSubscriptionRequest) (*dto.SubscriptionResponse, error)
	Upgrade(ctx context.Context, req dto.ChangeTierRequest) (*dto.ChangeTierResponse, error)
	// Downgrade leaves the tier in effect untouched unless req.Immediate is set
	Downgrade(ctx context.Context, req dto.DowngradeRequest) (*dto.ChangeTierResponse, error)
	Cancel(ctx context.Context, req dto.CancelSubscriptionRequest) (*dto.SubscriptionResponse, error)
	Reactivate(ctx context.Context, subscriberID string) (*dto.SubscriptionResponse, error)

	// Get returns the live record, or the most recent one
	Get(ctx context.Context, subscriberID string) (*dto.SubscriptionResponse, error)
	Entitlement(ctx context.Context, subscriberID string) (*dto.EntitlementResponse, error)
	ListPaymentAttempts(ctx context.Context, filter *types.PaymentAttemptFilter) (*dto.ListPaymentAttemptsResponse, error)
}

type subscriptionService struct {
	lifecycle
	prorations *prorationService
}

func NewSubscriptionService(params ServiceParams) SubscriptionService {
	return &subscriptionService{
		lifecycle:  lifecycle{ServiceParams: params},
		prorations: newProrationService(params),
	}
}

func (s *subscriptionService) Create(ctx context.Context, req dto.CreateSubscriptionRequest) (*dto.SubscriptionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	def, err := s.catalog().Get(req.Tier)
	if err != nil {
		return nil, err
	}

	var sub *subscription.Subscription
	err = s.withSubscriberLock(ctx, req.SubscriberID, func(ctx context.Context) error {
		existing, err := s.SubRepo.GetLiveBySubscriber(ctx, req.SubscriberID)
		if err == nil {
			return ierr.NewErrorf("subscriber %s already has subscription %s", req.SubscriberID, existing.ID).
				WithHint("Subscriber already has an active subscription").
				WithReportableDetails(map[string]any{
					"subscriber_id":   req.SubscriberID,
					"subscription_id": existing.ID,
					"status":          existing.Status,
				}).
				Mark(ierr.ErrAlreadyExists)
		}
		if !ierr.IsNotFound(err) {
			return err
		}

		rec := subscription.New(req.SubscriberID, req.ProviderCustomerID, def.ID, req.Interval, s.now())

		priceID, err := s.priceFor(ctx, req.SubscriberID, def, req.Interval)
		if err != nil {
			return err
		}

		created, err := callProvider(ctx, s.ServiceParams, retry.Meta{
			Operation:    opCreateSubscription,
			SubscriberID: req.SubscriberID,
			ResourceID:   rec.ID,
		}, func(ctx context.Context) (*provider.Subscription, error) {
			return s.Gateway.CreateSubscription(ctx, provider.CreateSubscriptionInput{
				CustomerID:     req.ProviderCustomerID,
				PriceID:        priceID,
				SubscriberID:   req.SubscriberID,
				IdempotencyKey: idempotencyKeys.GenerateKey(idempotency.ScopeCreateSubscription, map[string]any{
					"subscription_id": rec.ID,
				}),
			})
		})
		if err != nil {
			return err
		}

		if err := rec.Activate(stateOf(created), s.now()); err != nil {
			return err
		}

		persistCtx := context.WithoutCancel(ctx)
		if err := s.SubRepo.Create(persistCtx, rec); err != nil {
			s.compensateCreate(persistCtx, rec, err)
			return err
		}

		s.Logger.Infow("subscription created",
			"subscription_id", rec.ID,
			"subscriber_id", rec.SubscriberID,
			"tier", rec.Tier,
			"interval", rec.Interval,
			"provider_subscription_id", rec.ProviderSubscriptionID,
		)
		sub = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dto.NewSubscriptionResponse(sub), nil
}

// compensateCreate cancels a provider subscription that could not be recorded
// locally because another live record won the race
func (s *subscriptionService) compensateCreate(ctx context.Context, rec *subscription.Subscription, cause error) {
	if !ierr.IsAlreadyExists(cause) {
		s.Logger.Errorw("failed to record provider subscription",
			"subscription_id", rec.ID,
			"subscriber_id", rec.SubscriberID,
			"provider_subscription_id", rec.ProviderSubscriptionID,
			"error", cause,
		)
		s.Sentry.CaptureWithTags(cause, map[string]string{
			"operation":     opCreateSubscription,
			"subscriber_id": rec.SubscriberID,
		})
		return
	}

	_, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opCancelSubscription,
		SubscriberID: rec.SubscriberID,
		ResourceID:   rec.ProviderSubscriptionID,
	}, func(ctx context.Context) (*provider.Subscription, error) {
		return s.Gateway.CancelSubscription(ctx, rec.ProviderSubscriptionID)
	})
	if err != nil {
		s.Logger.Errorw("failed to cancel orphaned provider subscription",
			"subscriber_id", rec.SubscriberID,
			"provider_subscription_id", rec.ProviderSubscriptionID,
			"error", err,
		)
		s.Sentry.CaptureWithTags(err, map[string]string{
			"operation":     opCancelSubscription,
			"subscriber_id": rec.SubscriberID,
		})
	}
}

func (s *subscriptionService) Upgrade(ctx context.Context, req dto.ChangeTierRequest) (*dto.ChangeTierResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp *dto.ChangeTierResponse
	err := s.withSubscriberLock(ctx, req.SubscriberID, func(ctx context.Context) error {
		sub, def, interval, err := s.loadChange(ctx, req, tier.DirectionUpgrade)
		if err != nil {
			return err
		}
		resp, err = s.changeTier(ctx, sub, def, interval)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *subscriptionService) Downgrade(ctx context.Context, req dto.DowngradeRequest) (*dto.ChangeTierResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp *dto.ChangeTierResponse
	err := s.withSubscriberLock(ctx, req.SubscriberID, func(ctx context.Context) error {
		sub, def, interval, err := s.loadChange(ctx, req.ChangeTierRequest, tier.DirectionDowngrade)
		if err != nil {
			return err
		}
		if req.Immediate {
			resp, err = s.changeTier(ctx, sub, def, interval)
			return err
		}
		resp, err = s.scheduleChange(ctx, sub, def, interval)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// loadChange loads the live record and checks that moving it to the requested
// tier goes in the wanted direction. Staying on the same tier is accepted when
// the billing interval changes.
func (s *subscriptionService) loadChange(ctx context.Context, req dto.ChangeTierRequest, want tier.Direction) (*subscription.Subscription, *tier.Definition, types.BillingInterval, error) {
	catalog := s.catalog()
	def, err := catalog.Get(req.NewTier)
	if err != nil {
		return nil, nil, "", err
	}

	sub, err := s.loadLive(ctx, req.SubscriberID)
	if err != nil {
		return nil, nil, "", err
	}
	if sub.Status != types.SubscriptionStatusActive && sub.Status != types.SubscriptionStatusTrialing {
		return nil, nil, "", ierr.NewErrorf("subscription %s is %s", sub.ID, sub.Status).
			WithHintf("Only an active subscription can %s", want).
			WithReportableDetails(map[string]any{
				"subscription_id": sub.ID,
				"status":          sub.Status,
			}).
			Mark(ierr.ErrInvalidOperation)
	}

	interval := lo.Ternary(req.Interval == "", sub.Interval, req.Interval)

	direction, err := catalog.Compare(sub.Tier, def.ID)
	if err != nil {
		return nil, nil, "", err
	}
	intervalOnly := direction == tier.DirectionEqual && interval != sub.Interval
	if direction != want && !intervalOnly {
		return nil, nil, "", ierr.NewErrorf("moving %s from %s to %s is not a valid %s", sub.ID, sub.Tier, def.ID, want).
			WithHintf("Cannot %s from %s to %s", want, sub.Tier, def.ID).
			WithReportableDetails(map[string]any{
				"subscription_id": sub.ID,
				"current_tier":    sub.Tier,
				"new_tier":        def.ID,
				"interval":        interval,
			}).
			Mark(ierr.ErrInvalidOperation)
	}
	return sub, def, interval, nil
}

// changeTier switches the provider item to the new price with prorations and
// charges a positive proration right away
func (s *subscriptionService) changeTier(ctx context.Context, sub *subscription.Subscription, def *tier.Definition, interval types.BillingInterval) (*dto.ChangeTierResponse, error) {
	preview, err := s.prorations.preview(ctx, sub, def, interval)
	if err != nil {
		return nil, err
	}

	if err := s.releaseSchedule(ctx, sub); err != nil {
		return nil, err
	}

	priceID, err := s.priceFor(ctx, sub.SubscriberID, def, interval)
	if err != nil {
		return nil, err
	}

	updated, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opUpdateItem,
		SubscriberID: sub.SubscriberID,
		ResourceID:   sub.ProviderSubscriptionID,
	}, func(ctx context.Context) (*provider.Subscription, error) {
		return s.Gateway.UpdateSubscriptionItem(ctx, provider.UpdateItemInput{
			SubscriptionID:    sub.ProviderSubscriptionID,
			ItemID:            sub.ProviderSubscriptionItemID,
			PriceID:           priceID,
			ProrationBehavior: types.ProrationBehaviorCreateProrations,
			IdempotencyKey: idempotencyKeys.GenerateKey(idempotency.ScopeTierChange, map[string]any{
				"subscription_id": sub.ID,
				"version":         sub.Version,
			}),
		})
	})
	if err != nil {
		return nil, err
	}

	previous := sub.Tier
	chargeKey := idempotencyKeys.GenerateKey(idempotency.ScopeProrationInvoice, map[string]any{
		"subscription_id": sub.ID,
		"version":         sub.Version,
	})
	err = s.persistAccepted(ctx, sub, opUpdateItem, func(sub *subscription.Subscription, now time.Time) error {
		return sub.ApplyTierChange(def.ID, interval, stateOf(updated), now)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Infow("subscription tier changed",
		"subscription_id", sub.ID,
		"subscriber_id", sub.SubscriberID,
		"from_tier", previous,
		"to_tier", sub.Tier,
		"interval", sub.Interval,
		"proration_amount", preview.ProrationAmount.String(),
	)

	resp := &dto.ChangeTierResponse{
		Subscription: dto.NewSubscriptionResponse(sub),
		Proration:    preview,
	}
	if preview.ProrationAmount.IsPositive() {
		resp.PaymentAttempt = s.chargeProrations(context.WithoutCancel(ctx), sub, preview, chargeKey)
	}
	return resp, nil
}

// chargeProrations invoices the prorations of a tier change and pays the
// invoice. Exactly one attempt is recorded. A failed charge is not rolled back,
// the provider's dunning continues through invoice.payment_failed.
func (s *subscriptionService) chargeProrations(ctx context.Context, sub *subscription.Subscription, preview *proration.Preview, idempotencyKey string) *payment.Attempt {
	meta := retry.Meta{
		Operation:    opInvoiceProrations,
		SubscriberID: sub.SubscriberID,
		ResourceID:   sub.ProviderSubscriptionID,
	}
	description := fmt.Sprintf("Proration for %s to %s", preview.CurrentTier, preview.NewTier)

	invoice, err := callProvider(ctx, s.ServiceParams, meta, func(ctx context.Context) (*provider.Invoice, error) {
		return s.Gateway.InvoicePendingProrations(ctx, provider.InvoiceInput{
			CustomerID:     sub.ProviderCustomerID,
			SubscriptionID: sub.ProviderSubscriptionID,
			Description:    description,
			IdempotencyKey: idempotencyKey,
		})
	})

	var paid *provider.Invoice
	if err == nil {
		meta.Operation = opPayInvoice
		meta.ResourceID = invoice.ID
		paid, err = callProvider(ctx, s.ServiceParams, meta, func(ctx context.Context) (*provider.Invoice, error) {
			return s.Gateway.PayInvoice(ctx, invoice.ID)
		})
	}

	amount, currency := preview.ProrationAmount, preview.Currency
	if invoice != nil && invoice.AmountDue.IsPositive() {
		amount = invoice.AmountDue
		if invoice.Currency != "" {
			currency = invoice.Currency
		}
	}

	status := types.PaymentAttemptStatusSucceeded
	if err != nil || (paid != nil && !paid.Paid) {
		status = types.PaymentAttemptStatusFailed
	}

	attempt := payment.NewAttempt(sub.SubscriberID, sub.ID, status, amount, currency, s.now())
	attempt.Description = description
	if invoice != nil {
		attempt.ProviderInvoiceID = invoice.ID
	}
	if status == types.PaymentAttemptStatusFailed {
		attempt.FailureCode = string(failureCode(err, paid))
		s.Logger.Warnw("proration charge failed",
			"subscription_id", sub.ID,
			"subscriber_id", sub.SubscriberID,
			"amount", amount.String(),
			"failure_code", attempt.FailureCode,
		)
	}

	s.recordAttempt(ctx, attempt)
	return attempt
}

// failureCode classifies a failed charge, either a returned error or an
// invoice the provider left unpaid
func failureCode(err error, inv *provider.Invoice) paymenterror.Code {
	if err != nil {
		return paymenterror.Classify(err).Code
	}
	if inv != nil && inv.FailureCode != "" {
		return paymenterror.Classify(&provider.Error{Code: inv.FailureCode}).Code
	}
	return paymenterror.CodeUnknown
}

// scheduleChange defers a tier change to the end of the period through a
// provider schedule. Only the pending change is recorded locally.
func (s *subscriptionService) scheduleChange(ctx context.Context, sub *subscription.Subscription, def *tier.Definition, interval types.BillingInterval) (*dto.ChangeTierResponse, error) {
	if err := s.releaseSchedule(ctx, sub); err != nil {
		return nil, err
	}

	priceID, err := s.priceFor(ctx, sub.SubscriberID, def, interval)
	if err != nil {
		return nil, err
	}

	effectiveAt := sub.CurrentPeriodEnd
	schedule, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opScheduleChange,
		SubscriberID: sub.SubscriberID,
		ResourceID:   sub.ProviderSubscriptionID,
	}, func(ctx context.Context) (*provider.Schedule, error) {
		return s.Gateway.ScheduleChange(ctx, provider.ScheduleInput{
			SubscriptionID: sub.ProviderSubscriptionID,
			CurrentPriceID: sub.ProviderPriceID,
			NewPriceID:     priceID,
			EffectiveAt:    effectiveAt,
		})
	})
	if err != nil {
		return nil, err
	}

	err = s.persistAccepted(ctx, sub, opScheduleChange, func(sub *subscription.Subscription, now time.Time) error {
		return sub.ScheduleTierChange(subscription.PendingTierChange{
			Tier:               def.ID,
			Interval:           interval,
			EffectiveAt:        effectiveAt,
			ProviderScheduleID: schedule.ID,
			ProviderPriceID:    priceID,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Infow("tier change scheduled",
		"subscription_id", sub.ID,
		"subscriber_id", sub.SubscriberID,
		"tier", sub.Tier,
		"pending_tier", def.ID,
		"effective_at", effectiveAt,
	)
	return &dto.ChangeTierResponse{
		Subscription: dto.NewSubscriptionResponse(sub),
		Scheduled:    true,
	}, nil
}

func (s *subscriptionService) Cancel(ctx context.Context, req dto.CancelSubscriptionRequest) (*dto.SubscriptionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var sub *subscription.Subscription
	err := s.withSubscriberLock(ctx, req.SubscriberID, func(ctx context.Context) error {
		var err error
		sub, err = s.loadLive(ctx, req.SubscriberID)
		if err != nil {
			return err
		}
		if req.AtPeriodEnd {
			return s.cancelAtPeriodEnd(ctx, sub)
		}
		return s.cancelNow(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Infow("subscription canceled",
		"subscription_id", sub.ID,
		"subscriber_id", sub.SubscriberID,
		"at_period_end", req.AtPeriodEnd,
		"reason", req.Reason,
	)
	return dto.NewSubscriptionResponse(sub), nil
}

func (s *subscriptionService) cancelAtPeriodEnd(ctx context.Context, sub *subscription.Subscription) error {
	updated, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opSetCancelAtEnd,
		SubscriberID: sub.SubscriberID,
		ResourceID:   sub.ProviderSubscriptionID,
	}, func(ctx context.Context) (*provider.Subscription, error) {
		return s.Gateway.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID, true)
	})
	if err != nil {
		return err
	}
	return s.persistAccepted(ctx, sub, opSetCancelAtEnd, func(sub *subscription.Subscription, now time.Time) error {
		return sub.MarkCancelAtPeriodEnd(stateOf(updated), now)
	})
}

func (s *subscriptionService) cancelNow(ctx context.Context, sub *subscription.Subscription) error {
	if err := s.releaseSchedule(ctx, sub); err != nil {
		return err
	}
	_, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opCancelSubscription,
		SubscriberID: sub.SubscriberID,
		ResourceID:   sub.ProviderSubscriptionID,
	}, func(ctx context.Context) (*provider.Subscription, error) {
		return s.Gateway.CancelSubscription(ctx, sub.ProviderSubscriptionID)
	})
	if err != nil {
		return err
	}
	lowest := s.catalog().Lowest().ID
	return s.persistAccepted(ctx, sub, opCancelSubscription, func(sub *subscription.Subscription, now time.Time) error {
		return sub.CancelImmediately(lowest, now)
	})
}

func (s *subscriptionService) Reactivate(ctx context.Context, subscriberID string) (*dto.SubscriptionResponse, error) {
	if err := dto.ValidateSubscriberID(subscriberID); err != nil {
		return nil, err
	}

	var sub *subscription.Subscription
	err := s.withSubscriberLock(ctx, subscriberID, func(ctx context.Context) error {
		var err error
		sub, err = s.loadLatest(ctx, subscriberID)
		if err != nil {
			return err
		}
		if !sub.CanReactivate(s.now()) {
			return ierr.NewErrorf("subscription %s is not pending cancellation", sub.ID).
				WithHint("Only a subscription canceled at period end can be reactivated before the period ends").
				WithReportableDetails(map[string]any{
					"subscription_id":      sub.ID,
					"status":               sub.Status,
					"cancel_at_period_end": sub.CancelAtPeriodEnd,
					"current_period_end":   sub.CurrentPeriodEnd,
				}).
				Mark(ierr.ErrInvalidOperation)
		}

		updated, err := callProvider(ctx, s.ServiceParams, retry.Meta{
			Operation:    opSetCancelAtEnd,
			SubscriberID: subscriberID,
			ResourceID:   sub.ProviderSubscriptionID,
		}, func(ctx context.Context) (*provider.Subscription, error) {
			return s.Gateway.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID, false)
		})
		if err != nil {
			return err
		}
		return s.persistAccepted(ctx, sub, opSetCancelAtEnd, func(sub *subscription.Subscription, now time.Time) error {
			return sub.Reactivate(stateOf(updated), now)
		})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Infow("subscription reactivated",
		"subscription_id", sub.ID,
		"subscriber_id", sub.SubscriberID,
		"status", sub.Status,
	)
	return dto.NewSubscriptionResponse(sub), nil
}

func (s *subscriptionService) Get(ctx context.Context, subscriberID string) (*dto.SubscriptionResponse, error) {
	if err := dto.ValidateSubscriberID(subscriberID); err != nil {
		return nil, err
	}
	sub, err := s.loadLatest(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	return dto.NewSubscriptionResponse(sub), nil
}

// Entitlement returns the tier the subscriber may use right now. Subscribers
// without a live subscription get the lowest tier.
func (s *subscriptionService) Entitlement(ctx context.Context, subscriberID string) (*dto.EntitlementResponse, error) {
	if err := dto.ValidateSubscriberID(subscriberID); err != nil {
		return nil, err
	}

	catalog := s.catalog()
	resp := &dto.EntitlementResponse{
		SubscriberID: subscriberID,
		Status:       types.SubscriptionStatusNone,
		Tier:         catalog.Lowest(),
	}

	sub, err := s.SubRepo.GetLatestBySubscriber(ctx, subscriberID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return resp, nil
		}
		return nil, err
	}
	resp.Status = sub.Status
	if !sub.IsLive() {
		return resp, nil
	}

	def, err := catalog.Get(sub.Tier)
	if err != nil {
		return nil, err
	}
	resp.Tier = def
	return resp, nil
}

func (s *subscriptionService) ListPaymentAttempts(ctx context.Context, filter *types.PaymentAttemptFilter) (*dto.ListPaymentAttemptsResponse, error) {
	if filter == nil {
		filter = &types.PaymentAttemptFilter{}
	}
	if filter.QueryFilter == nil {
		filter.QueryFilter = types.NewDefaultQueryFilter()
	}
	if err := dto.ValidateSubscriberID(filter.SubscriberID); err != nil {
		return nil, err
	}

	attempts, err := s.PaymentRepo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.PaymentRepo.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	resp := types.NewListResponse(attempts, total, filter.GetLimit(), filter.GetOffset())
	return &resp, nil
}
