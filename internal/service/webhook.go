package service

import (
	"context"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/webhookevent"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/sentry"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

// replayBatchSize bounds how many unprocessed events one sweep picks up
const replayBatchSize = 500

// errEventProcessed stops a handler whose event another worker applied while it
// waited for the subscriber lock
var errEventProcessed = ierr.NewError("webhook event already processed").
	WithHint("Webhook event was already processed").
	Mark(ierr.ErrVersionConflict)

// WebhookService reconciles provider notifications into subscription records
type WebhookService interface {
	// Ingest records the event and applies it. Duplicate deliveries are
	// acknowledged without side effects.
	Ingest(ctx context.Context, req dto.IngestWebhookRequest) (*dto.IngestWebhookResponse, error)
	Replay(ctx context.Context, eventID string, opts dto.ReplayOptions) (*dto.IngestWebhookResponse, error)
	// ReplayUnprocessed retries every unprocessed event below the attempt ceiling,
	// in arrival order per provider subscription
	ReplayUnprocessed(ctx context.Context) (*dto.ReplaySummary, error)
	ListUnresolved(ctx context.Context, filter *types.WebhookEventFilter) (*dto.ListWebhookEventsResponse, error)
}

type webhookService struct {
	lifecycle
}

func NewWebhookService(params ServiceParams) WebhookService {
	return &webhookService{lifecycle: lifecycle{ServiceParams: params}}
}

func (s *webhookService) maxAttempts() int {
	if s.Config == nil || s.Config.Billing.WebhookMaxAttempts <= 0 {
		return 3
	}
	return s.Config.Billing.WebhookMaxAttempts
}

func (s *webhookService) lease() time.Duration {
	if s.Config == nil || s.Config.Billing.WebhookLease <= 0 {
		return 5 * time.Minute
	}
	return s.Config.Billing.WebhookLease
}

func (s *webhookService) Ingest(ctx context.Context, req dto.IngestWebhookRequest) (*dto.IngestWebhookResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	event := webhookevent.New(req.ProviderEventID, req.EventType, s.routingKey(req), req.Payload, s.now())
	if err := s.WebhookEventRepo.Create(ctx, event); err != nil {
		if ierr.IsAlreadyExists(err) {
			s.Logger.Debugw("duplicate webhook event",
				"provider_event_id", req.ProviderEventID,
				"event_type", req.EventType,
			)
			return &dto.IngestWebhookResponse{Result: types.IngestResultDuplicate}, nil
		}
		return nil, err
	}

	return s.process(ctx, event), nil
}

// routingKey extracts the provider subscription id an event applies to. A
// payload that cannot be decoded yields an empty key and fails in its handler.
func (s *webhookService) routingKey(req dto.IngestWebhookRequest) string {
	switch {
	case isSubscriptionEvent(req.EventType):
		if sub, err := s.Decoder.DecodeSubscription(req.Payload); err == nil {
			return sub.ID
		}
	case isInvoiceEvent(req.EventType):
		if inv, err := s.Decoder.DecodeInvoice(req.Payload); err == nil {
			return inv.SubscriptionID
		}
	}
	return ""
}

func isSubscriptionEvent(t types.WebhookEventType) bool {
	switch t {
	case types.WebhookEventTypeSubscriptionCreated,
		types.WebhookEventTypeSubscriptionUpdated,
		types.WebhookEventTypeSubscriptionDeleted:
		return true
	}
	return false
}

func isInvoiceEvent(t types.WebhookEventType) bool {
	switch t {
	case types.WebhookEventTypeInvoicePaymentFailed,
		types.WebhookEventTypeInvoicePaymentSucceeded,
		types.WebhookEventTypeInvoicePaid:
		return true
	}
	return false
}

// process claims the event and runs its handler. The outcome is recorded on the
// event row and never returned as an error.
func (s *webhookService) process(ctx context.Context, event *webhookevent.Event) *dto.IngestWebhookResponse {
	resp := &dto.IngestWebhookResponse{EventID: event.ID}

	claimedAt := s.now()
	if err := s.WebhookEventRepo.Claim(ctx, event.ID, event.ProcessingAttempts, claimedAt, claimedAt.Add(s.lease())); err != nil {
		if ierr.IsVersionConflict(err) {
			// another worker claimed or finished the event
			resp.Result = types.IngestResultDuplicate
			return resp
		}
		s.Logger.Errorw("failed to claim webhook event",
			"event_id", event.ID,
			"provider_event_id", event.ProviderEventID,
			"error", err,
		)
		resp.Result = types.IngestResultFailed
		return resp
	}
	event.ProcessingAttempts++

	span, spanCtx := s.Sentry.StartWebhookSpan(ctx, string(event.EventType), map[string]interface{}{
		"event_id":                 event.ID,
		"provider_event_id":        event.ProviderEventID,
		"provider_subscription_id": event.ProviderSubscriptionID,
		"attempt":                  event.ProcessingAttempts,
	})
	handleErr := s.dispatch(spanCtx, event)
	sentry.FinishSpan(span)

	if ierr.Is(handleErr, errEventProcessed) {
		s.Logger.Infow("webhook event applied by another worker",
			"event_id", event.ID,
			"provider_event_id", event.ProviderEventID,
			"attempt", event.ProcessingAttempts,
		)
		resp.Result = types.IngestResultDuplicate
		return resp
	}

	if handleErr == nil {
		if err := s.WebhookEventRepo.MarkProcessed(ctx, event.ID, s.now()); err != nil {
			s.Logger.Errorw("failed to mark webhook event processed",
				"event_id", event.ID,
				"error", err,
			)
		}
		s.Logger.Infow("webhook event processed",
			"event_id", event.ID,
			"provider_event_id", event.ProviderEventID,
			"event_type", event.EventType,
			"attempt", event.ProcessingAttempts,
		)
		resp.Result = types.IngestResultAccepted
		return resp
	}

	if err := s.WebhookEventRepo.MarkFailed(ctx, event.ID, handleErr.Error()); err != nil {
		s.Logger.Errorw("failed to record webhook event failure",
			"event_id", event.ID,
			"error", err,
		)
	}
	s.Logger.Errorw("webhook event handler failed",
		"event_id", event.ID,
		"provider_event_id", event.ProviderEventID,
		"event_type", event.EventType,
		"provider_subscription_id", event.ProviderSubscriptionID,
		"attempt", event.ProcessingAttempts,
		"error", handleErr,
	)
	if event.RequiresManualIntervention(s.maxAttempts()) {
		s.Logger.Errorw("webhook event requires manual intervention",
			"event_id", event.ID,
			"provider_event_id", event.ProviderEventID,
			"event_type", event.EventType,
			"attempts", event.ProcessingAttempts,
		)
		s.Sentry.CaptureWithTags(handleErr, map[string]string{
			"event_id":          event.ID,
			"provider_event_id": event.ProviderEventID,
			"event_type":        string(event.EventType),
		})
	}
	resp.Result = types.IngestResultFailed
	return resp
}

func (s *webhookService) dispatch(ctx context.Context, event *webhookevent.Event) error {
	switch event.EventType {
	case types.WebhookEventTypeSubscriptionCreated, types.WebhookEventTypeSubscriptionUpdated:
		return s.withRecord(ctx, event, s.handleSubscriptionUpdated)
	case types.WebhookEventTypeSubscriptionDeleted:
		return s.withRecord(ctx, event, s.handleSubscriptionDeleted)
	case types.WebhookEventTypeInvoicePaymentFailed:
		if event.ProviderSubscriptionID == "" {
			return s.noSubscriptionInvoice(event)
		}
		return s.withRecord(ctx, event, s.handlePaymentFailed)
	case types.WebhookEventTypeInvoicePaymentSucceeded, types.WebhookEventTypeInvoicePaid:
		if event.ProviderSubscriptionID == "" {
			return s.noSubscriptionInvoice(event)
		}
		return s.withRecord(ctx, event, s.handlePaymentSucceeded)
	}

	s.Logger.Debugw("acknowledged webhook event without handler",
		"event_id", event.ID,
		"event_type", event.EventType,
	)
	return nil
}

func (s *webhookService) noSubscriptionInvoice(event *webhookevent.Event) error {
	s.Logger.Debugw("invoice event without subscription",
		"event_id", event.ID,
		"event_type", event.EventType,
	)
	return nil
}

type eventHandler func(ctx context.Context, sub *subscription.Subscription, event *webhookevent.Event) error

// withRecord resolves the subscription the event belongs to, takes the
// subscriber lock and re-reads the event and the record inside it
func (s *webhookService) withRecord(ctx context.Context, event *webhookevent.Event, handle eventHandler) error {
	if event.ProviderSubscriptionID == "" {
		return ierr.NewErrorf("webhook event %s has no subscription", event.ProviderEventID).
			WithHint("Malformed webhook payload").
			Mark(ierr.ErrValidation)
	}

	found, err := s.SubRepo.GetByProviderSubscriptionID(ctx, event.ProviderSubscriptionID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return ierr.WithError(err).
				WithHintf("Unknown provider subscription %s", event.ProviderSubscriptionID).
				WithReportableDetails(map[string]any{
					"provider_subscription_id": event.ProviderSubscriptionID,
					"event_type":               event.EventType,
				}).
				Mark(ierr.ErrNotFound)
		}
		return err
	}

	return s.withSubscriberLock(ctx, found.SubscriberID, func(ctx context.Context) error {
		current, err := s.WebhookEventRepo.Get(ctx, event.ID)
		if err != nil {
			return err
		}
		if current.Processed {
			return errEventProcessed
		}

		sub, err := s.SubRepo.Get(ctx, found.ID)
		if err != nil {
			return err
		}
		return handle(ctx, sub, event)
	})
}

func (s *webhookService) handleSubscriptionUpdated(ctx context.Context, sub *subscription.Subscription, event *webhookevent.Event) error {
	remote, err := s.Decoder.DecodeSubscription(event.RawPayload)
	if err != nil {
		return err
	}
	state := stateOf(remote)

	return s.apply(ctx, sub, func(sub *subscription.Subscription, now time.Time) error {
		if err := sub.ReconcileProviderState(state, now); err != nil {
			return err
		}
		if !sub.IsLive() || remote.TierID == "" {
			return nil
		}

		// status was reconciled above, the tier transitions only carry item and period
		tierState := state
		tierState.Status = ""

		if pending := sub.PendingTierChange; pending != nil &&
			(remote.PriceID == pending.ProviderPriceID || remote.TierID == pending.Tier) {
			return sub.ConfirmScheduledTierChange(tierState, now)
		}

		interval := lo.Ternary(remote.Interval == "", sub.Interval, remote.Interval)
		if remote.TierID != sub.Tier || interval != sub.Interval {
			return sub.ApplyTierChange(remote.TierID, interval, tierState, now)
		}
		return nil
	})
}

func (s *webhookService) handleSubscriptionDeleted(ctx context.Context, sub *subscription.Subscription, _ *webhookevent.Event) error {
	if sub.Status == types.SubscriptionStatusCanceled {
		return nil
	}
	lowest := s.catalog().Lowest().ID
	return s.apply(ctx, sub, func(sub *subscription.Subscription, now time.Time) error {
		return sub.CancelImmediately(lowest, now)
	})
}

// handlePaymentFailed records the failed renewal, moves the subscription to
// past due and retries the payment once more under the retry executor
func (s *webhookService) handlePaymentFailed(ctx context.Context, sub *subscription.Subscription, event *webhookevent.Event) error {
	inv, err := s.Decoder.DecodeInvoice(event.RawPayload)
	if err != nil {
		return err
	}

	err = s.DB.WithTx(ctx, func(ctx context.Context) error {
		attempt := payment.NewAttempt(sub.SubscriberID, sub.ID, types.PaymentAttemptStatusFailed, inv.AmountDue, inv.Currency, s.now())
		attempt.ProviderInvoiceID = inv.ID
		attempt.Description = "Renewal payment failed"
		attempt.FailureCode = string(failureCode(nil, inv))
		if err := s.PaymentRepo.Create(ctx, attempt); err != nil {
			return err
		}
		if sub.Status != types.SubscriptionStatusActive && sub.Status != types.SubscriptionStatusTrialing {
			return nil
		}
		return s.apply(ctx, sub, func(sub *subscription.Subscription, now time.Time) error {
			return sub.MarkPastDue(now)
		})
	})
	if err != nil {
		return err
	}

	paid, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opPayInvoice,
		SubscriberID: sub.SubscriberID,
		ResourceID:   inv.ID,
	}, func(ctx context.Context) (*provider.Invoice, error) {
		return s.Gateway.PayInvoice(ctx, inv.ID)
	})
	if err != nil {
		s.Logger.Warnw("dunning payment retry failed",
			"subscription_id", sub.ID,
			"subscriber_id", sub.SubscriberID,
			"invoice_id", inv.ID,
			"error", err,
		)
		return err
	}
	if !paid.Paid {
		return ierr.NewErrorf("invoice %s is still %s after payment retry", paid.ID, paid.Status).
			WithHint("Payment is still outstanding").
			WithReportableDetails(map[string]any{
				"invoice_id": paid.ID,
				"status":     paid.Status,
			}).
			Mark(ierr.ErrProvider)
	}

	return s.recordPayment(ctx, sub, paid, "Renewal payment recovered")
}

func (s *webhookService) handlePaymentSucceeded(ctx context.Context, sub *subscription.Subscription, event *webhookevent.Event) error {
	inv, err := s.Decoder.DecodeInvoice(event.RawPayload)
	if err != nil {
		return err
	}
	return s.recordPayment(ctx, sub, inv, "Invoice paid")
}

// recordPayment appends a succeeded attempt for inv, once per invoice, and
// returns a past due subscription to active
func (s *webhookService) recordPayment(ctx context.Context, sub *subscription.Subscription, inv *provider.Invoice, description string) error {
	return s.DB.WithTx(ctx, func(ctx context.Context) error {
		recorded, err := s.PaymentRepo.Count(ctx, &types.PaymentAttemptFilter{
			SubscriberID:      sub.SubscriberID,
			ProviderInvoiceID: inv.ID,
			Status:            []types.PaymentAttemptStatus{types.PaymentAttemptStatusSucceeded},
		})
		if err != nil {
			return err
		}
		if recorded == 0 {
			amount := inv.AmountPaid
			if amount.IsZero() {
				amount = inv.AmountDue
			}
			attempt := payment.NewAttempt(sub.SubscriberID, sub.ID, types.PaymentAttemptStatusSucceeded, amount, inv.Currency, s.now())
			attempt.ProviderInvoiceID = inv.ID
			attempt.Description = description
			if err := s.PaymentRepo.Create(ctx, attempt); err != nil {
				return err
			}
		}

		if sub.Status != types.SubscriptionStatusPastDue {
			return nil
		}
		return s.apply(ctx, sub, func(sub *subscription.Subscription, now time.Time) error {
			return sub.MarkPaymentRecovered(now)
		})
	})
}

func (s *webhookService) Replay(ctx context.Context, eventID string, opts dto.ReplayOptions) (*dto.IngestWebhookResponse, error) {
	event, err := s.WebhookEventRepo.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Processed {
		return nil, ierr.NewErrorf("webhook event %s was already processed", event.ID).
			WithHint("Webhook event was already processed").
			WithReportableDetails(map[string]any{
				"event_id": event.ID,
			}).
			Mark(ierr.ErrInvalidOperation)
	}
	if event.RequiresManualIntervention(s.maxAttempts()) && !opts.Force {
		return nil, ierr.NewErrorf("webhook event %s reached %d processing attempts", event.ID, event.ProcessingAttempts).
			WithHint("Webhook event needs a forced replay").
			WithReportableDetails(map[string]any{
				"event_id":            event.ID,
				"processing_attempts": event.ProcessingAttempts,
				"max_attempts":        s.maxAttempts(),
			}).
			Mark(ierr.ErrInvalidOperation)
	}
	return s.process(ctx, event), nil
}

func (s *webhookService) ReplayUnprocessed(ctx context.Context) (*dto.ReplaySummary, error) {
	// events still leased by an in-flight attempt are left to that worker
	events, err := s.WebhookEventRepo.List(ctx, &types.WebhookEventFilter{
		QueryFilter: &types.QueryFilter{Limit: lo.ToPtr(replayBatchSize)},
		Unprocessed: true,
		MaxAttempts: s.maxAttempts(),
		AvailableAt: lo.ToPtr(s.now()),
	})
	if err != nil {
		return nil, err
	}

	// events of one subscription replay in arrival order, subscriptions in parallel
	groups := lo.GroupBy(events, func(e *webhookevent.Event) string {
		return e.ProviderSubscriptionID
	})

	concurrency := 1
	if s.Config != nil && s.Config.Billing.ReplayConcurrency > 0 {
		concurrency = s.Config.Billing.ReplayConcurrency
	}
	p := pool.NewWithResults[dto.ReplaySummary]().WithMaxGoroutines(concurrency)
	for _, group := range groups {
		group := group
		p.Go(func() dto.ReplaySummary {
			var summary dto.ReplaySummary
			for _, event := range group {
				if ctx.Err() != nil {
					break
				}
				switch s.process(ctx, event).Result {
				case types.IngestResultAccepted:
					summary.Replayed++
					summary.Succeeded++
				case types.IngestResultFailed:
					summary.Replayed++
					summary.Failed++
				}
			}
			return summary
		})
	}

	total := &dto.ReplaySummary{}
	for _, summary := range p.Wait() {
		total.Replayed += summary.Replayed
		total.Succeeded += summary.Succeeded
		total.Failed += summary.Failed
	}

	s.Logger.Infow("replayed unprocessed webhook events",
		"replayed", total.Replayed,
		"succeeded", total.Succeeded,
		"failed", total.Failed,
	)
	return total, ctx.Err()
}

func (s *webhookService) ListUnresolved(ctx context.Context, filter *types.WebhookEventFilter) (*dto.ListWebhookEventsResponse, error) {
	if filter == nil {
		filter = &types.WebhookEventFilter{}
	}
	if filter.QueryFilter == nil {
		filter.QueryFilter = types.NewDefaultQueryFilter()
	}
	filter.Unprocessed = true

	events, err := s.WebhookEventRepo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.WebhookEventRepo.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	max := s.maxAttempts()
	items := lo.Map(events, func(e *webhookevent.Event, _ int) *dto.WebhookEventResponse {
		return dto.NewWebhookEventResponse(e, max)
	})
	resp := types.NewListResponse(items, total, filter.GetLimit(), filter.GetOffset())
	return &resp, nil
}
