package service

import (
	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/integration/stripe"
	"github.com/flexprice/billing-lifecycle/internal/testutil"
	"github.com/flexprice/billing-lifecycle/internal/types"
)

// serviceSuite wires the services against in-memory stores and the fake gateway
type serviceSuite struct {
	testutil.BaseServiceTestSuite
	params ServiceParams
}

func (s *serviceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	stores := s.GetStores()
	s.params = ServiceParams{
		Logger:           s.GetLogger(),
		Config:           s.GetConfig(),
		DB:               s.GetDB(),
		SubRepo:          stores.SubscriptionRepo,
		PaymentRepo:      stores.PaymentRepo,
		WebhookEventRepo: stores.WebhookEventRepo,
		Gateway:          s.GetGateway(),
		Decoder:          stripe.NewEventDecoder(s.GetConfig()),
		Tiers:            s.GetTiers(),
		Retry:            s.GetRetryExecutor(),
		Locker:           s.GetLocker(),
		Cache:            s.GetCache(),
		Audit:            s.GetAudit(),
		Sentry:           s.GetSentry(),
		Now:              s.GetNow,
	}
}

func (s *serviceSuite) subscriptions() SubscriptionService {
	return NewSubscriptionService(s.params)
}

// subscribe creates a live subscription on tierID billed monthly
func (s *serviceSuite) subscribe(subscriberID, tierID string) *subscription.Subscription {
	resp, err := s.subscriptions().Create(s.GetContext(), dto.CreateSubscriptionRequest{
		SubscriberID:       subscriberID,
		ProviderCustomerID: "cus_" + subscriberID,
		Tier:               tierID,
		Interval:           types.BillingIntervalMonthly,
	})
	s.Require().NoError(err)
	return resp.Subscription
}

// stored reads the persisted record of the subscriber
func (s *serviceSuite) stored(subscriberID string) *subscription.Subscription {
	sub, err := s.GetStores().SubscriptionRepo.GetLatestBySubscriber(s.GetContext(), subscriberID)
	s.Require().NoError(err)
	return sub
}
