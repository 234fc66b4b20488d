package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	"github.com/flexprice/billing-lifecycle/internal/domain/webhookevent"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/testutil"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type WebhookServiceSuite struct {
	serviceSuite
	service WebhookService
}

func TestWebhookService(t *testing.T) {
	suite.Run(t, new(WebhookServiceSuite))
}

func (s *WebhookServiceSuite) SetupTest() {
	s.serviceSuite.SetupTest()
	s.service = NewWebhookService(s.params)
}

func (s *WebhookServiceSuite) ingest(eventID string, eventType types.WebhookEventType, payload []byte) *dto.IngestWebhookResponse {
	resp, err := s.service.Ingest(s.GetContext(), dto.IngestWebhookRequest{
		ProviderEventID: eventID,
		EventType:       eventType,
		Payload:         payload,
	})
	require.NoError(s.T(), err)
	return resp
}

func (s *WebhookServiceSuite) invoiceEvent(eventID string, eventType types.WebhookEventType, invoiceID, subscriptionID string, cents int64) []byte {
	return testutil.InvoiceEvent{
		EventID:        eventID,
		Type:           string(eventType),
		InvoiceID:      invoiceID,
		SubscriptionID: subscriptionID,
		CustomerID:     "cus_user_1",
		AmountDue:      cents,
		AmountPaid:     cents,
		Status:         "paid",
	}.Payload()
}

func (s *WebhookServiceSuite) event(id string) *webhookevent.Event {
	e, err := s.GetStores().WebhookEventRepo.Get(s.GetContext(), id)
	require.NoError(s.T(), err)
	return e
}

func (s *WebhookServiceSuite) attempts(subscriberID string) []*payment.Attempt {
	items, err := s.GetStores().PaymentRepo.List(s.GetContext(), &types.PaymentAttemptFilter{SubscriberID: subscriberID})
	require.NoError(s.T(), err)
	return items
}

// orphan stores a live record for a provider subscription the gateway never created
func (s *WebhookServiceSuite) orphan(subscriberID, providerSubscriptionID string) *subscription.Subscription {
	sub := subscription.New(subscriberID, "cus_"+subscriberID, tier.Explorer, types.BillingIntervalMonthly, s.GetNow())
	sub.Status = types.SubscriptionStatusActive
	sub.ProviderSubscriptionID = providerSubscriptionID
	sub.ProviderSubscriptionItemID = "si_" + providerSubscriptionID
	sub.CurrentPeriodStart = s.GetNow()
	sub.CurrentPeriodEnd = s.GetNow().AddDate(0, 1, 0)
	s.GetStores().SubscriptionRepo.Put(sub)
	return sub
}

func (s *WebhookServiceSuite) TestIngest_DuplicateIsIdempotent() {
	sub := s.subscribe("user_1", tier.Explorer)
	payload := s.invoiceEvent("evt_1", types.WebhookEventTypeInvoicePaid, "in_1", sub.ProviderSubscriptionID, 900)

	first := s.ingest("evt_1", types.WebhookEventTypeInvoicePaid, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, first.Result)

	second := s.ingest("evt_1", types.WebhookEventTypeInvoicePaid, payload)
	assert.Equal(s.T(), types.IngestResultDuplicate, second.Result)

	assert.Len(s.T(), s.attempts("user_1"), 1)
	e := s.event(first.EventID)
	assert.True(s.T(), e.Processed)
	assert.Equal(s.T(), 1, e.ProcessingAttempts)
	assert.Equal(s.T(), sub.ProviderSubscriptionID, e.ProviderSubscriptionID)
}

func (s *WebhookServiceSuite) TestIngest_InvoicePaidRecordedOncePerInvoice() {
	sub := s.subscribe("user_1", tier.Explorer)

	paid := s.ingest("evt_1", types.WebhookEventTypeInvoicePaid,
		s.invoiceEvent("evt_1", types.WebhookEventTypeInvoicePaid, "in_1", sub.ProviderSubscriptionID, 900))
	succeeded := s.ingest("evt_2", types.WebhookEventTypeInvoicePaymentSucceeded,
		s.invoiceEvent("evt_2", types.WebhookEventTypeInvoicePaymentSucceeded, "in_1", sub.ProviderSubscriptionID, 900))

	assert.Equal(s.T(), types.IngestResultAccepted, paid.Result)
	assert.Equal(s.T(), types.IngestResultAccepted, succeeded.Result)

	items := s.attempts("user_1")
	require.Len(s.T(), items, 1)
	assert.Equal(s.T(), "in_1", items[0].ProviderInvoiceID)
	assert.True(s.T(), decimal.NewFromInt(9).Equal(items[0].Amount))
}

func (s *WebhookServiceSuite) TestIngest_UnknownSubscriptionFails() {
	sub := s.subscribe("user_1", tier.Explorer)
	payload := s.invoiceEvent("evt_1", types.WebhookEventTypeInvoicePaymentFailed, "in_1", "sub_unknown", 900)

	resp := s.ingest("evt_1", types.WebhookEventTypeInvoicePaymentFailed, payload)
	assert.Equal(s.T(), types.IngestResultFailed, resp.Result)

	e := s.event(resp.EventID)
	assert.False(s.T(), e.Processed)
	assert.Equal(s.T(), 1, e.ProcessingAttempts)
	assert.NotEmpty(s.T(), e.ErrorMessage)
	assert.NotNil(s.T(), e.LastProcessingAttempt)

	stored := s.stored("user_1")
	assert.Equal(s.T(), sub.Version, stored.Version)
	assert.Equal(s.T(), types.SubscriptionStatusActive, stored.Status)
	assert.Empty(s.T(), s.attempts("user_1"))
	assert.Equal(s.T(), 0, s.GetGateway().Calls(testutil.OpPayInvoice))
}

func (s *WebhookServiceSuite) TestIngest_PaymentFailedRecovers() {
	sub := s.subscribe("user_1", tier.Explorer)
	s.GetGateway().SeedInvoice(provider.Invoice{
		ID:             "in_renewal",
		SubscriptionID: sub.ProviderSubscriptionID,
		AmountDue:      decimal.NewFromInt(9),
		Currency:       "usd",
		Status:         "open",
	})

	payload := testutil.InvoiceEvent{
		EventID:        "evt_1",
		Type:           string(types.WebhookEventTypeInvoicePaymentFailed),
		InvoiceID:      "in_renewal",
		SubscriptionID: sub.ProviderSubscriptionID,
		AmountDue:      900,
		Status:         "open",
	}.Payload()
	resp := s.ingest("evt_1", types.WebhookEventTypeInvoicePaymentFailed, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, resp.Result)

	stored := s.stored("user_1")
	assert.Equal(s.T(), types.SubscriptionStatusActive, stored.Status)
	// past due, then recovered
	assert.Equal(s.T(), sub.Version+2, stored.Version)

	items := s.attempts("user_1")
	require.Len(s.T(), items, 2)
	statuses := []types.PaymentAttemptStatus{items[0].Status, items[1].Status}
	assert.ElementsMatch(s.T(), []types.PaymentAttemptStatus{types.PaymentAttemptStatusFailed, types.PaymentAttemptStatusSucceeded}, statuses)
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpPayInvoice))
	assert.Equal(s.T(), 2, s.GetDB().Transactions())
}

func (s *WebhookServiceSuite) TestIngest_PaymentFailedLeavesPastDue() {
	sub := s.subscribe("user_1", tier.Explorer)
	s.GetGateway().SeedInvoice(provider.Invoice{ID: "in_renewal", SubscriptionID: sub.ProviderSubscriptionID, AmountDue: decimal.NewFromInt(9)})
	s.GetGateway().Script(testutil.OpPayInvoice, declined)

	payload := testutil.InvoiceEvent{
		EventID:        "evt_1",
		Type:           string(types.WebhookEventTypeInvoicePaymentFailed),
		InvoiceID:      "in_renewal",
		SubscriptionID: sub.ProviderSubscriptionID,
		AmountDue:      900,
		Status:         "open",
	}.Payload()
	resp := s.ingest("evt_1", types.WebhookEventTypeInvoicePaymentFailed, payload)
	assert.Equal(s.T(), types.IngestResultFailed, resp.Result)

	stored := s.stored("user_1")
	assert.Equal(s.T(), types.SubscriptionStatusPastDue, stored.Status)
	assert.Len(s.T(), s.attempts("user_1"), 1)

	// the next replay pays the invoice and restores the subscription
	replayed, err := s.service.Replay(s.GetContext(), resp.EventID, dto.ReplayOptions{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), types.IngestResultAccepted, replayed.Result)
	assert.Equal(s.T(), types.SubscriptionStatusActive, s.stored("user_1").Status)
	assert.Equal(s.T(), 2, s.event(resp.EventID).ProcessingAttempts)
}

// paymentFailed seeds an open renewal invoice and returns its payment_failed payload
func (s *WebhookServiceSuite) paymentFailed(sub *subscription.Subscription) []byte {
	s.GetGateway().SeedInvoice(provider.Invoice{
		ID:             "in_renewal",
		SubscriptionID: sub.ProviderSubscriptionID,
		AmountDue:      decimal.NewFromInt(9),
		Currency:       "usd",
		Status:         "open",
	})
	return testutil.InvoiceEvent{
		EventID:        "evt_1",
		Type:           string(types.WebhookEventTypeInvoicePaymentFailed),
		InvoiceID:      "in_renewal",
		SubscriptionID: sub.ProviderSubscriptionID,
		AmountDue:      900,
		Status:         "open",
	}.Payload()
}

func (s *WebhookServiceSuite) TestReplayUnprocessed_SkipsEventInFlight() {
	sub := s.subscribe("user_1", tier.Explorer)
	payload := s.paymentFailed(sub)

	var (
		once     sync.Once
		summary  *dto.ReplaySummary
		sweepErr error
	)
	s.GetGateway().OnCall(testutil.OpPayInvoice, func(context.Context) {
		once.Do(func() {
			summary, sweepErr = s.service.ReplayUnprocessed(s.GetContext())
		})
	})

	resp := s.ingest("evt_1", types.WebhookEventTypeInvoicePaymentFailed, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, resp.Result)

	require.NoError(s.T(), sweepErr)
	require.NotNil(s.T(), summary)
	assert.Equal(s.T(), 0, summary.Replayed)

	e := s.event(resp.EventID)
	assert.True(s.T(), e.Processed)
	assert.Equal(s.T(), 1, e.ProcessingAttempts)
	assert.Nil(s.T(), e.LeaseExpiresAt)
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpPayInvoice))
	assert.Len(s.T(), s.attempts("user_1"), 2)
	assert.Equal(s.T(), types.SubscriptionStatusActive, s.stored("user_1").Status)
}

func (s *WebhookServiceSuite) TestReplay_ExpiredLeaseDoesNotReapplyEvent() {
	sub := s.subscribe("user_1", tier.Explorer)
	payload := s.paymentFailed(sub)
	repo := s.GetStores().WebhookEventRepo

	type outcome struct {
		resp *dto.IngestWebhookResponse
		err  error
	}
	done := make(chan outcome, 1)
	var once sync.Once
	s.GetGateway().OnCall(testutil.OpPayInvoice, func(context.Context) {
		once.Do(func() {
			e, err := repo.GetByProviderEventID(s.GetContext(), "evt_1")
			if err != nil {
				done <- outcome{err: err}
				return
			}
			// the first attempt outlives its lease, a second worker claims the event
			s.AdvanceClock(s.GetConfig().Billing.WebhookLease + time.Second)
			go func() {
				resp, err := s.service.Replay(s.GetContext(), e.ID, dto.ReplayOptions{})
				done <- outcome{resp: resp, err: err}
			}()
			assert.Eventually(s.T(), func() bool {
				current, err := repo.Get(s.GetContext(), e.ID)
				return err == nil && current.ProcessingAttempts == 2
			}, 2*time.Second, time.Millisecond)
		})
	})

	resp := s.ingest("evt_1", types.WebhookEventTypeInvoicePaymentFailed, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, resp.Result)

	second := <-done
	require.NoError(s.T(), second.err)
	assert.Equal(s.T(), types.IngestResultDuplicate, second.resp.Result)

	e := s.event(resp.EventID)
	assert.True(s.T(), e.Processed)
	assert.Empty(s.T(), e.ErrorMessage)
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpPayInvoice))
	assert.Len(s.T(), s.attempts("user_1"), 2)
	assert.Equal(s.T(), types.SubscriptionStatusActive, s.stored("user_1").Status)
}

func (s *WebhookServiceSuite) TestIngest_SubscriptionUpdatedConfirmsScheduledDowngrade() {
	s.subscribe("user_1", tier.Traveler)
	_, err := s.subscriptions().Downgrade(s.GetContext(), dto.DowngradeRequest{
		ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: tier.Explorer},
	})
	require.NoError(s.T(), err)
	pending := s.stored("user_1")
	require.NotNil(s.T(), pending.PendingTierChange)

	start := pending.CurrentPeriodEnd
	payload := testutil.SubscriptionEvent{
		EventID:        "evt_1",
		Type:           string(types.WebhookEventTypeSubscriptionUpdated),
		SubscriptionID: pending.ProviderSubscriptionID,
		CustomerID:     pending.ProviderCustomerID,
		Status:         "active",
		ItemID:         pending.ProviderSubscriptionItemID,
		PriceID:        pending.PendingTierChange.ProviderPriceID,
		TierID:         tier.Explorer,
		Interval:       string(types.BillingIntervalMonthly),
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
	}.Payload()

	resp := s.ingest("evt_1", types.WebhookEventTypeSubscriptionUpdated, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, resp.Result)

	stored := s.stored("user_1")
	assert.Equal(s.T(), tier.Explorer, stored.Tier)
	assert.Nil(s.T(), stored.PendingTierChange)
	assert.Equal(s.T(), pending.PendingTierChange.ProviderPriceID, stored.ProviderPriceID)
	assert.True(s.T(), stored.CurrentPeriodStart.Equal(start))
}

func (s *WebhookServiceSuite) TestIngest_SubscriptionUpdatedReconcilesStatus() {
	sub := s.subscribe("user_1", tier.Explorer)

	payload := testutil.SubscriptionEvent{
		EventID:           "evt_1",
		Type:              string(types.WebhookEventTypeSubscriptionUpdated),
		SubscriptionID:    sub.ProviderSubscriptionID,
		CustomerID:        sub.ProviderCustomerID,
		Status:            "past_due",
		ItemID:            sub.ProviderSubscriptionItemID,
		PriceID:           sub.ProviderPriceID,
		TierID:            tier.Explorer,
		Interval:          string(types.BillingIntervalMonthly),
		PeriodStart:       sub.CurrentPeriodStart,
		PeriodEnd:         sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: true,
	}.Payload()

	resp := s.ingest("evt_1", types.WebhookEventTypeSubscriptionUpdated, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, resp.Result)

	stored := s.stored("user_1")
	assert.Equal(s.T(), types.SubscriptionStatusPastDue, stored.Status)
	assert.True(s.T(), stored.CancelAtPeriodEnd)
	assert.Equal(s.T(), tier.Explorer, stored.Tier)
}

func (s *WebhookServiceSuite) TestIngest_SubscriptionDeleted() {
	sub := s.subscribe("user_1", tier.Traveler)

	payload := testutil.SubscriptionEvent{
		EventID:        "evt_1",
		Type:           string(types.WebhookEventTypeSubscriptionDeleted),
		SubscriptionID: sub.ProviderSubscriptionID,
		CustomerID:     sub.ProviderCustomerID,
		Status:         "canceled",
		ItemID:         sub.ProviderSubscriptionItemID,
		PriceID:        sub.ProviderPriceID,
	}.Payload()

	resp := s.ingest("evt_1", types.WebhookEventTypeSubscriptionDeleted, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, resp.Result)

	stored := s.stored("user_1")
	assert.Equal(s.T(), types.SubscriptionStatusCanceled, stored.Status)
	assert.Equal(s.T(), tier.Free, stored.Tier)

	// a second deletion notice for the same subscription is a no-op
	again := s.ingest("evt_2", types.WebhookEventTypeSubscriptionDeleted, payload)
	assert.Equal(s.T(), types.IngestResultAccepted, again.Result)
	assert.Equal(s.T(), stored.Version, s.stored("user_1").Version)
}

func (s *WebhookServiceSuite) TestIngest_EventsWithoutHandler() {
	resp := s.ingest("evt_1", types.WebhookEventTypeSubscriptionTrialWillEnd,
		testutil.SubscriptionEvent{EventID: "evt_1", Type: string(types.WebhookEventTypeSubscriptionTrialWillEnd), SubscriptionID: "sub_x"}.Payload())
	assert.Equal(s.T(), types.IngestResultAccepted, resp.Result)

	noSub := s.ingest("evt_2", types.WebhookEventTypeInvoicePaid,
		s.invoiceEvent("evt_2", types.WebhookEventTypeInvoicePaid, "in_1", "", 500))
	assert.Equal(s.T(), types.IngestResultAccepted, noSub.Result)
}

func (s *WebhookServiceSuite) TestIngest_Validation() {
	_, err := s.service.Ingest(s.GetContext(), dto.IngestWebhookRequest{EventType: types.WebhookEventTypeInvoicePaid})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsValidation(err))
}

func (s *WebhookServiceSuite) TestReplay_AttemptCeiling() {
	payload := s.invoiceEvent("evt_1", types.WebhookEventTypeInvoicePaid, "in_1", "sub_late", 900)
	resp := s.ingest("evt_1", types.WebhookEventTypeInvoicePaid, payload)
	require.Equal(s.T(), types.IngestResultFailed, resp.Result)

	for i := 0; i < 2; i++ {
		replayed, err := s.service.Replay(s.GetContext(), resp.EventID, dto.ReplayOptions{})
		require.NoError(s.T(), err)
		assert.Equal(s.T(), types.IngestResultFailed, replayed.Result)
	}
	assert.Equal(s.T(), 3, s.event(resp.EventID).ProcessingAttempts)

	_, err := s.service.Replay(s.GetContext(), resp.EventID, dto.ReplayOptions{})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsInvalidOperation(err))

	summary, err := s.service.ReplayUnprocessed(s.GetContext())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, summary.Replayed)

	unresolved, err := s.service.ListUnresolved(s.GetContext(), nil)
	require.NoError(s.T(), err)
	require.Len(s.T(), unresolved.Items, 1)
	assert.True(s.T(), unresolved.Items[0].RequiresManualIntervention)

	// once the subscription is known a forced replay applies the event
	s.orphan("user_1", "sub_late")
	forced, err := s.service.Replay(s.GetContext(), resp.EventID, dto.ReplayOptions{Force: true})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), types.IngestResultAccepted, forced.Result)
	assert.True(s.T(), s.event(resp.EventID).Processed)

	_, err = s.service.Replay(s.GetContext(), resp.EventID, dto.ReplayOptions{Force: true})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsInvalidOperation(err))
}

func (s *WebhookServiceSuite) TestReplayUnprocessed() {
	for _, id := range []string{"evt_1", "evt_2"} {
		resp := s.ingest(id, types.WebhookEventTypeInvoicePaid,
			s.invoiceEvent(id, types.WebhookEventTypeInvoicePaid, "in_"+id, "sub_a", 900))
		require.Equal(s.T(), types.IngestResultFailed, resp.Result)
	}
	resp := s.ingest("evt_3", types.WebhookEventTypeInvoicePaid,
		s.invoiceEvent("evt_3", types.WebhookEventTypeInvoicePaid, "in_evt_3", "sub_b", 900))
	require.Equal(s.T(), types.IngestResultFailed, resp.Result)

	s.orphan("user_a", "sub_a")

	summary, err := s.service.ReplayUnprocessed(s.GetContext())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, summary.Replayed)
	assert.Equal(s.T(), 2, summary.Succeeded)
	assert.Equal(s.T(), 1, summary.Failed)

	assert.Len(s.T(), s.attempts("user_a"), 2)
	assert.Equal(s.T(), 2, s.event(resp.EventID).ProcessingAttempts)

	unresolved, err := s.service.ListUnresolved(s.GetContext(), &types.WebhookEventFilter{})
	require.NoError(s.T(), err)
	require.Len(s.T(), unresolved.Items, 1)
	assert.Equal(s.T(), "evt_3", unresolved.Items[0].ProviderEventID)
	assert.False(s.T(), unresolved.Items[0].RequiresManualIntervention)
}

func (s *WebhookServiceSuite) TestListUnresolved_TotalIgnoresLimit() {
	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		resp := s.ingest(id, types.WebhookEventTypeInvoicePaid,
			s.invoiceEvent(id, types.WebhookEventTypeInvoicePaid, "in_"+id, "sub_missing", 900))
		require.Equal(s.T(), types.IngestResultFailed, resp.Result)
	}

	limit := 2
	unresolved, err := s.service.ListUnresolved(s.GetContext(), &types.WebhookEventFilter{
		QueryFilter: &types.QueryFilter{Limit: &limit},
	})
	require.NoError(s.T(), err)
	assert.Len(s.T(), unresolved.Items, 2)
	assert.Equal(s.T(), 3, unresolved.Pagination.Total)
	assert.Equal(s.T(), 2, unresolved.Pagination.Limit)
}
