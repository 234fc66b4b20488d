package service

import (
	"context"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	"github.com/flexprice/billing-lifecycle/internal/cache"
	"github.com/flexprice/billing-lifecycle/internal/domain/proration"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/samber/lo"
)

// ProrationService previews the financial effect of a tier change without
// committing anything at the provider
type ProrationService interface {
	Preview(ctx context.Context, req dto.ProrationPreviewRequest) (*proration.Preview, error)
}

type prorationService struct {
	lifecycle
}

func NewProrationService(params ServiceParams) ProrationService {
	return newProrationService(params)
}

func newProrationService(params ServiceParams) *prorationService {
	return &prorationService{lifecycle: lifecycle{ServiceParams: params}}
}

func (s *prorationService) Preview(ctx context.Context, req dto.ProrationPreviewRequest) (*proration.Preview, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	def, err := s.catalog().Get(req.NewTier)
	if err != nil {
		return nil, err
	}

	sub, err := s.loadLive(ctx, req.SubscriberID)
	if err != nil {
		return nil, err
	}

	interval := lo.Ternary(req.Interval == "", sub.Interval, req.Interval)
	return s.preview(ctx, sub, def, interval)
}

// preview asks the provider for the invoice a move to def would produce. The
// temporary price backing the preview is deactivated whatever the outcome.
func (s *prorationService) preview(ctx context.Context, sub *subscription.Subscription, def *tier.Definition, interval types.BillingInterval) (*proration.Preview, error) {
	key := proration.CacheKey(sub.ID, sub.Version, def.ID, interval)
	if cached, ok := s.cached(ctx, key); ok {
		return cached, nil
	}

	current, err := s.catalog().Get(sub.Tier)
	if err != nil {
		return nil, err
	}

	price, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opCreatePrice,
		SubscriberID: sub.SubscriberID,
		ResourceID:   def.ID,
	}, func(ctx context.Context) (*provider.Price, error) {
		return s.Gateway.CreatePrice(ctx, provider.CreatePriceInput{
			TierID:    def.ID,
			Interval:  interval,
			Amount:    def.PriceFor(interval),
			Currency:  def.Currency,
			Temporary: true,
		})
	})
	if err != nil {
		return nil, err
	}
	defer s.deactivate(ctx, sub.SubscriberID, price.ID)

	invoice, err := callProvider(ctx, s.ServiceParams, retry.Meta{
		Operation:    opPreviewInvoice,
		SubscriberID: sub.SubscriberID,
		ResourceID:   sub.ProviderSubscriptionID,
	}, func(ctx context.Context) (*provider.InvoicePreview, error) {
		return s.Gateway.PreviewInvoice(ctx, provider.PreviewInput{
			CustomerID:     sub.ProviderCustomerID,
			SubscriptionID: sub.ProviderSubscriptionID,
			ItemID:         sub.ProviderSubscriptionItemID,
			PriceID:        price.ID,
			PeriodEnd:      sub.CurrentPeriodEnd,
		})
	})
	if err != nil {
		return nil, err
	}

	nextBilling := invoice.NextBillingDate
	if nextBilling.IsZero() {
		nextBilling = sub.CurrentPeriodEnd
	}
	currency := invoice.Currency
	if currency == "" {
		currency = def.Currency
	}

	p := proration.NewPreview(
		current.ID,
		def.ID,
		interval,
		def.MonthlyPrice.GreaterThan(current.MonthlyPrice),
		invoice.ProrationAmount,
		currency,
		nextBilling,
	)
	s.store(ctx, key, p)
	return p, nil
}

// deactivate retires a temporary price. It runs detached from ctx so a
// canceled request still cleans up.
func (s *prorationService) deactivate(ctx context.Context, subscriberID, priceID string) {
	err := execProvider(context.WithoutCancel(ctx), s.ServiceParams, retry.Meta{
		Operation:    opDeactivatePrice,
		SubscriberID: subscriberID,
		ResourceID:   priceID,
	}, func(ctx context.Context) error {
		return s.Gateway.DeactivatePrice(ctx, priceID)
	})
	if err != nil {
		s.Logger.Errorw("failed to deactivate temporary price",
			"subscriber_id", subscriberID,
			"price_id", priceID,
			"error", err,
		)
		s.Sentry.CaptureWithTags(err, map[string]string{
			"operation": opDeactivatePrice,
			"price_id":  priceID,
		})
	}
}

func (s *prorationService) cached(ctx context.Context, key string) (*proration.Preview, bool) {
	if s.Cache == nil {
		return nil, false
	}
	span := cache.StartCacheSpan(ctx, "proration", "get", map[string]interface{}{
		"key": key,
	})
	defer cache.FinishSpan(span)

	value, ok := s.Cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	p, ok := value.(*proration.Preview)
	if !ok {
		return nil, false
	}
	cache.SetSpanSuccess(span)
	c := *p
	return &c, true
}

func (s *prorationService) store(ctx context.Context, key string, p *proration.Preview) {
	if s.Cache == nil {
		return
	}
	span := cache.StartCacheSpan(ctx, "proration", "set", map[string]interface{}{
		"key": key,
	})
	defer cache.FinishSpan(span)

	c := *p
	s.Cache.Set(ctx, key, &c, 0)
	cache.SetSpanSuccess(span)
}
