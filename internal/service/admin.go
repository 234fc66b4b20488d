package service

import (
	"context"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	"github.com/flexprice/billing-lifecycle/internal/audit"
	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/idempotency"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
)

// AdminService exposes privileged operations. Every action is attributed to an
// actor and written to the audit log.
type AdminService interface {
	Cancel(ctx context.Context, actorID string, req dto.CancelSubscriptionRequest) (*dto.SubscriptionResponse, error)
	Refund(ctx context.Context, actorID string, req dto.RefundRequest) (*dto.RefundResponse, error)
	ReplayWebhook(ctx context.Context, actorID, eventID string) (*dto.IngestWebhookResponse, error)
	// ReplayUnresolvedWebhooks runs the sweep over unprocessed events below the attempt ceiling
	ReplayUnresolvedWebhooks(ctx context.Context, actorID string) (*dto.ReplaySummary, error)
	ListUnresolvedWebhooks(ctx context.Context, filter *types.WebhookEventFilter) (*dto.ListWebhookEventsResponse, error)
}

type adminService struct {
	lifecycle
	subscriptions SubscriptionService
	webhooks      WebhookService
}

func NewAdminService(params ServiceParams, subscriptions SubscriptionService, webhooks WebhookService) AdminService {
	return &adminService{
		lifecycle:     lifecycle{ServiceParams: params},
		subscriptions: subscriptions,
		webhooks:      webhooks,
	}
}

func requireActor(actorID string) error {
	if actorID == "" {
		return ierr.NewError("actor id is required").
			WithHint("Admin actions require an actor").
			Mark(ierr.ErrValidation)
	}
	return nil
}

func (s *adminService) Cancel(ctx context.Context, actorID string, req dto.CancelSubscriptionRequest) (*dto.SubscriptionResponse, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}

	resp, err := s.subscriptions.Cancel(ctx, req)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actorID, audit.ActionSubscriptionCancel, audit.ResourceSubscription, resp.ID, map[string]any{
		"subscriber_id": req.SubscriberID,
		"at_period_end": req.AtPeriodEnd,
		"reason":        req.Reason,
	})
	return resp, nil
}

func (s *adminService) Refund(ctx context.Context, actorID string, req dto.RefundRequest) (*dto.RefundResponse, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sub, err := s.loadLatest(ctx, req.SubscriberID)
	if err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = s.catalog().Lowest().Currency
	}

	refund, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opRefund,
		SubscriberID: sub.SubscriberID,
		ResourceID:   req.ProviderPaymentID,
	}, func(ctx context.Context) (*provider.Refund, error) {
		return s.Gateway.Refund(ctx, provider.RefundInput{
			PaymentID:      req.ProviderPaymentID,
			Amount:         req.Amount,
			Currency:       currency,
			Reason:         req.Reason,
			IdempotencyKey: idempotencyKeys.GenerateKey(idempotency.ScopeRefund, map[string]any{
				"payment_id": req.ProviderPaymentID,
				"amount":     req.Amount.String(),
			}),
		})
	})
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if !refund.Amount.IsZero() {
		amount = refund.Amount
	}
	if refund.Currency != "" {
		currency = refund.Currency
	}
	attempt := payment.NewAttempt(sub.SubscriberID, sub.ID, types.PaymentAttemptStatusSucceeded, refundAmount(amount), currency, s.now())
	attempt.Description = "Refund: " + req.Reason
	s.recordAttempt(context.WithoutCancel(ctx), attempt)

	s.Logger.Infow("payment refunded",
		"subscriber_id", sub.SubscriberID,
		"provider_payment_id", req.ProviderPaymentID,
		"refund_id", refund.ID,
		"amount", amount.String(),
		"actor_id", actorID,
	)
	s.audit(ctx, actorID, audit.ActionPaymentRefund, audit.ResourcePayment, req.ProviderPaymentID, map[string]any{
		"subscriber_id": sub.SubscriberID,
		"refund_id":     refund.ID,
		"amount":        amount.String(),
		"currency":      currency,
		"reason":        req.Reason,
	})

	return &dto.RefundResponse{RefundID: refund.ID, PaymentAttempt: attempt}, nil
}

// refundAmount is the signed history amount of a refund
func refundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Abs().Neg()
}

func (s *adminService) ReplayWebhook(ctx context.Context, actorID, eventID string) (*dto.IngestWebhookResponse, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}

	resp, err := s.webhooks.Replay(ctx, eventID, dto.ReplayOptions{Force: true})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actorID, audit.ActionWebhookReplay, audit.ResourceWebhookEvent, eventID, map[string]any{
		"result": resp.Result,
	})
	return resp, nil
}

func (s *adminService) ReplayUnresolvedWebhooks(ctx context.Context, actorID string) (*dto.ReplaySummary, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}

	summary, err := s.webhooks.ReplayUnprocessed(ctx)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actorID, audit.ActionWebhookReplay, audit.ResourceWebhookEvent, "*", map[string]any{
		"replayed":  summary.Replayed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})
	return summary, nil
}

func (s *adminService) ListUnresolvedWebhooks(ctx context.Context, filter *types.WebhookEventFilter) (*dto.ListWebhookEventsResponse, error) {
	return s.webhooks.ListUnresolved(ctx, filter)
}

// audit records an action that already happened. A failed audit write does not
// fail the action.
func (s *adminService) audit(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.LogAction(context.WithoutCancel(ctx), actorID, action, resourceType, resourceID, details); err != nil {
		s.Logger.Errorw("failed to write audit entry",
			"actor_id", actorID,
			"action", action,
			"resource_type", resourceType,
			"resource_id", resourceID,
			"error", err,
		)
		s.Sentry.CaptureWithTags(err, map[string]string{
			"action":      action,
			"resource_id": resourceID,
		})
	}
}
