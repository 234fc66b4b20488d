package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/paymenterror"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/testutil"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	rateLimited = &provider.Error{Type: provider.TypeRateLimit, Code: provider.CodeRateLimit, HTTPStatus: 429}
	declined    = &provider.Error{Type: provider.TypeCard, Code: provider.CodeCardDeclined, HTTPStatus: 402}
)

type SubscriptionServiceSuite struct {
	serviceSuite
	service SubscriptionService
}

func TestSubscriptionService(t *testing.T) {
	suite.Run(t, new(SubscriptionServiceSuite))
}

func (s *SubscriptionServiceSuite) SetupTest() {
	s.serviceSuite.SetupTest()
	s.service = s.subscriptions()
}

func (s *SubscriptionServiceSuite) TestCreate() {
	resp, err := s.service.Create(s.GetContext(), dto.CreateSubscriptionRequest{
		SubscriberID:       "user_1",
		ProviderCustomerID: "cus_1",
		Tier:               " Explorer ",
	})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), tier.Explorer, resp.Tier)
	assert.Equal(s.T(), types.BillingIntervalMonthly, resp.Interval)
	assert.Equal(s.T(), types.SubscriptionStatusActive, resp.Status)
	assert.NotEmpty(s.T(), resp.ProviderSubscriptionID)
	assert.NotEmpty(s.T(), resp.ProviderSubscriptionItemID)
	assert.True(s.T(), resp.CurrentPeriodEnd.After(s.GetNow()))

	stored := s.stored("user_1")
	assert.Equal(s.T(), resp.ID, stored.ID)

	remote := s.GetGateway().Subscription(resp.ProviderSubscriptionID)
	require.NotNil(s.T(), remote)
	assert.Equal(s.T(), tier.Explorer, remote.TierID)
}

func (s *SubscriptionServiceSuite) TestCreate_SecondLiveSubscriptionRejected() {
	s.subscribe("user_1", tier.Explorer)

	_, err := s.service.Create(s.GetContext(), dto.CreateSubscriptionRequest{
		SubscriberID:       "user_1",
		ProviderCustomerID: "cus_user_1",
		Tier:               tier.Traveler,
	})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsAlreadyExists(err))
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpCreateSubscription))
}

func (s *SubscriptionServiceSuite) TestCreate_AfterCancellation() {
	s.subscribe("user_1", tier.Explorer)
	_, err := s.service.Cancel(s.GetContext(), dto.CancelSubscriptionRequest{SubscriberID: "user_1"})
	require.NoError(s.T(), err)

	sub := s.subscribe("user_1", tier.Traveler)
	assert.Equal(s.T(), tier.Traveler, sub.Tier)

	all, err := s.GetStores().SubscriptionRepo.ListBySubscriber(s.GetContext(), "user_1")
	require.NoError(s.T(), err)
	assert.Len(s.T(), all, 2)
}

func (s *SubscriptionServiceSuite) TestCreate_Validation() {
	tests := []struct {
		name  string
		req   dto.CreateSubscriptionRequest
		check func(error) bool
	}{
		{
			name:  "missing subscriber",
			req:   dto.CreateSubscriptionRequest{ProviderCustomerID: "cus_1", Tier: tier.Explorer},
			check: ierr.IsValidation,
		},
		{
			name:  "invalid interval",
			req:   dto.CreateSubscriptionRequest{SubscriberID: "user_1", ProviderCustomerID: "cus_1", Tier: tier.Explorer, Interval: "weekly"},
			check: ierr.IsValidation,
		},
		{
			name:  "unknown tier",
			req:   dto.CreateSubscriptionRequest{SubscriberID: "user_1", ProviderCustomerID: "cus_1", Tier: "platinum"},
			check: ierr.IsNotFound,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Create(s.GetContext(), tt.req)
			require.Error(s.T(), err)
			assert.True(s.T(), tt.check(err), "unexpected error: %v", err)
			assert.Equal(s.T(), 0, s.GetGateway().Calls(testutil.OpCreateSubscription))
		})
	}
}

func (s *SubscriptionServiceSuite) TestUpgrade_ChargesProration() {
	created := s.subscribe("user_1", tier.Explorer)

	resp, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Traveler,
	})
	require.NoError(s.T(), err)

	assert.False(s.T(), resp.Scheduled)
	assert.Equal(s.T(), tier.Traveler, resp.Subscription.Tier)
	require.NotNil(s.T(), resp.Proration)
	assert.True(s.T(), resp.Proration.IsUpgrade)
	assert.True(s.T(), resp.Proration.ImmediateCharge)
	assert.True(s.T(), decimal.NewFromInt(5).Equal(resp.Proration.ProrationAmount), resp.Proration.ProrationAmount.String())

	require.NotNil(s.T(), resp.PaymentAttempt)
	assert.Equal(s.T(), types.PaymentAttemptStatusSucceeded, resp.PaymentAttempt.Status)
	assert.True(s.T(), decimal.NewFromInt(5).Equal(resp.PaymentAttempt.Amount))
	assert.NotEmpty(s.T(), resp.PaymentAttempt.ProviderInvoiceID)

	stored := s.stored("user_1")
	assert.Equal(s.T(), tier.Traveler, stored.Tier)
	assert.Equal(s.T(), created.Version+1, stored.Version)
	assert.Equal(s.T(), tier.Traveler, s.GetGateway().Subscription(stored.ProviderSubscriptionID).TierID)

	// the create price and the traveler price stay, the preview price is gone
	assert.Equal(s.T(), 2, s.GetGateway().ActivePrices())
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpDeactivatePrice))

	attempts, err := s.service.ListPaymentAttempts(s.GetContext(), &types.PaymentAttemptFilter{SubscriberID: "user_1"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, attempts.Pagination.Total)
}

func (s *SubscriptionServiceSuite) TestUpgrade_RejectsWrongDirection() {
	s.subscribe("user_1", tier.Traveler)

	_, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Explorer,
	})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsInvalidOperation(err))

	_, err = s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Traveler,
	})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsInvalidOperation(err))
	assert.Equal(s.T(), 0, s.GetGateway().Calls(testutil.OpUpdateSubscriptionItem))
}

func (s *SubscriptionServiceSuite) TestUpgrade_IntervalChangeOnSameTier() {
	s.subscribe("user_1", tier.Explorer)

	resp, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Explorer,
		Interval:     types.BillingIntervalYearly,
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), tier.Explorer, resp.Subscription.Tier)
	assert.Equal(s.T(), types.BillingIntervalYearly, resp.Subscription.Interval)
}

func (s *SubscriptionServiceSuite) TestUpgrade_WithoutSubscription() {
	_, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Traveler,
	})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsNotFound(err))
}

func (s *SubscriptionServiceSuite) TestUpgrade_RetriesTransientFailures() {
	s.subscribe("user_1", tier.Explorer)
	s.GetGateway().Script(testutil.OpUpdateSubscriptionItem, rateLimited, rateLimited)

	resp, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Traveler,
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), tier.Traveler, resp.Subscription.Tier)
	assert.Equal(s.T(), 3, s.GetGateway().Calls(testutil.OpUpdateSubscriptionItem))
}

func (s *SubscriptionServiceSuite) TestUpgrade_RetryCeiling() {
	created := s.subscribe("user_1", tier.Explorer)
	s.GetGateway().Script(testutil.OpUpdateSubscriptionItem, rateLimited, rateLimited, rateLimited, nil)

	_, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Traveler,
	})
	require.Error(s.T(), err)
	assert.Equal(s.T(), 3, s.GetGateway().Calls(testutil.OpUpdateSubscriptionItem))
	assert.Equal(s.T(), paymenterror.CodeRateLimit, paymenterror.Classify(err).Code)

	stored := s.stored("user_1")
	assert.Equal(s.T(), tier.Explorer, stored.Tier)
	assert.Equal(s.T(), created.Version, stored.Version)
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpDeactivatePrice))
}

func (s *SubscriptionServiceSuite) TestUpgrade_NonRetryableShortCircuits() {
	s.subscribe("user_1", tier.Explorer)
	s.GetGateway().Script(testutil.OpUpdateSubscriptionItem, declined)

	_, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Traveler,
	})
	require.Error(s.T(), err)
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpUpdateSubscriptionItem))

	var pe *paymenterror.Error
	require.True(s.T(), ierr.As(err, &pe))
	assert.Equal(s.T(), paymenterror.CodeCardDeclined, pe.Details.Code)
	assert.Equal(s.T(), paymenterror.ActionUpdatePaymentMethod, pe.Details.RecommendedAction)
}

func (s *SubscriptionServiceSuite) TestUpgrade_FailedProrationChargeIsRecorded() {
	s.subscribe("user_1", tier.Explorer)
	s.GetGateway().Script(testutil.OpPayInvoice, declined)

	resp, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Traveler,
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), tier.Traveler, resp.Subscription.Tier)

	require.NotNil(s.T(), resp.PaymentAttempt)
	assert.Equal(s.T(), types.PaymentAttemptStatusFailed, resp.PaymentAttempt.Status)
	assert.Equal(s.T(), string(paymenterror.CodeCardDeclined), resp.PaymentAttempt.FailureCode)
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpPayInvoice))

	attempts, err := s.service.ListPaymentAttempts(s.GetContext(), &types.PaymentAttemptFilter{SubscriberID: "user_1"})
	require.NoError(s.T(), err)
	require.Len(s.T(), attempts.Items, 1)
	assert.Equal(s.T(), types.PaymentAttemptStatusFailed, attempts.Items[0].Status)
}

func (s *SubscriptionServiceSuite) TestDowngrade_DeferredToPeriodEnd() {
	created := s.subscribe("user_1", tier.Traveler)

	resp, err := s.service.Downgrade(s.GetContext(), dto.DowngradeRequest{
		ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: tier.Explorer},
	})
	require.NoError(s.T(), err)

	assert.True(s.T(), resp.Scheduled)
	assert.Nil(s.T(), resp.PaymentAttempt)

	stored := s.stored("user_1")
	assert.Equal(s.T(), tier.Traveler, stored.Tier)
	require.NotNil(s.T(), stored.PendingTierChange)
	assert.Equal(s.T(), tier.Explorer, stored.PendingTierChange.Tier)
	assert.Equal(s.T(), created.CurrentPeriodEnd, stored.PendingTierChange.EffectiveAt)
	assert.NotEmpty(s.T(), stored.PendingTierChange.ProviderScheduleID)

	assert.Equal(s.T(), 1, s.GetGateway().Schedules())
	assert.Equal(s.T(), 0, s.GetGateway().Calls(testutil.OpUpdateSubscriptionItem))

	entitlement, err := s.service.Entitlement(s.GetContext(), "user_1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), tier.Traveler, entitlement.Tier.ID)
}

func (s *SubscriptionServiceSuite) TestDowngrade_RescheduleReplacesPendingChange() {
	s.subscribe("user_1", tier.Enterprise)

	for _, target := range []string{tier.Traveler, tier.Explorer} {
		_, err := s.service.Downgrade(s.GetContext(), dto.DowngradeRequest{
			ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: target},
		})
		require.NoError(s.T(), err)
	}

	stored := s.stored("user_1")
	require.NotNil(s.T(), stored.PendingTierChange)
	assert.Equal(s.T(), tier.Explorer, stored.PendingTierChange.Tier)
	assert.Equal(s.T(), 1, s.GetGateway().Schedules())
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpReleaseSchedule))
}

func (s *SubscriptionServiceSuite) TestDowngrade_Immediate() {
	s.subscribe("user_1", tier.Traveler)

	resp, err := s.service.Downgrade(s.GetContext(), dto.DowngradeRequest{
		ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: tier.Explorer},
		Immediate:         true,
	})
	require.NoError(s.T(), err)

	assert.False(s.T(), resp.Scheduled)
	assert.Equal(s.T(), tier.Explorer, resp.Subscription.Tier)
	require.NotNil(s.T(), resp.Proration)
	assert.False(s.T(), resp.Proration.IsUpgrade)
	assert.False(s.T(), resp.Proration.ImmediateCharge)
	assert.True(s.T(), decimal.NewFromInt(5).Equal(resp.Proration.CreditAmount))
	assert.Nil(s.T(), resp.PaymentAttempt)
	assert.Equal(s.T(), 0, s.GetGateway().Calls(testutil.OpInvoicePendingProrations))
}

func (s *SubscriptionServiceSuite) TestUpgrade_ReleasesPendingDowngrade() {
	s.subscribe("user_1", tier.Traveler)
	_, err := s.service.Downgrade(s.GetContext(), dto.DowngradeRequest{
		ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: tier.Explorer},
	})
	require.NoError(s.T(), err)

	resp, err := s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Enterprise,
	})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), tier.Enterprise, resp.Subscription.Tier)
	assert.Nil(s.T(), resp.Subscription.PendingTierChange)
	assert.Equal(s.T(), 0, s.GetGateway().Schedules())
}

func (s *SubscriptionServiceSuite) TestUpgrade_FailureAfterReleaseClearsPendingDowngrade() {
	s.subscribe("user_1", tier.Traveler)
	_, err := s.service.Downgrade(s.GetContext(), dto.DowngradeRequest{
		ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: tier.Explorer},
	})
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, s.GetGateway().Schedules())

	s.GetGateway().Script(testutil.OpUpdateSubscriptionItem, declined)
	_, err = s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
		SubscriberID: "user_1",
		NewTier:      tier.Enterprise,
	})
	require.Error(s.T(), err)

	// the released schedule is no longer referenced locally
	assert.Equal(s.T(), 0, s.GetGateway().Schedules())
	stored := s.stored("user_1")
	assert.Nil(s.T(), stored.PendingTierChange)
	assert.Equal(s.T(), tier.Traveler, stored.Tier)
	assert.Equal(s.T(), types.SubscriptionStatusActive, stored.Status)
}

func (s *SubscriptionServiceSuite) TestDowngrade_RescheduleFailureClearsPendingChange() {
	s.subscribe("user_1", tier.Enterprise)
	_, err := s.service.Downgrade(s.GetContext(), dto.DowngradeRequest{
		ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: tier.Traveler},
	})
	require.NoError(s.T(), err)

	s.GetGateway().Script(testutil.OpScheduleChange, declined)
	_, err = s.service.Downgrade(s.GetContext(), dto.DowngradeRequest{
		ChangeTierRequest: dto.ChangeTierRequest{SubscriberID: "user_1", NewTier: tier.Explorer},
	})
	require.Error(s.T(), err)

	assert.Equal(s.T(), 0, s.GetGateway().Schedules())
	stored := s.stored("user_1")
	assert.Nil(s.T(), stored.PendingTierChange)
	assert.Equal(s.T(), tier.Enterprise, stored.Tier)
}

func (s *SubscriptionServiceSuite) TestCancelThenReactivate() {
	s.subscribe("user_1", tier.Explorer)

	canceled, err := s.service.Cancel(s.GetContext(), dto.CancelSubscriptionRequest{
		SubscriberID: "user_1",
		AtPeriodEnd:  true,
	})
	require.NoError(s.T(), err)
	assert.True(s.T(), canceled.CancelAtPeriodEnd)
	assert.Equal(s.T(), types.SubscriptionStatusActive, canceled.Status)
	assert.True(s.T(), s.GetGateway().Subscription(canceled.ProviderSubscriptionID).CancelAtPeriodEnd)

	s.AdvanceClock(24 * time.Hour)
	reactivated, err := s.service.Reactivate(s.GetContext(), "user_1")
	require.NoError(s.T(), err)
	assert.False(s.T(), reactivated.CancelAtPeriodEnd)
	assert.Equal(s.T(), types.SubscriptionStatusActive, reactivated.Status)
	assert.Equal(s.T(), tier.Explorer, reactivated.Tier)
	assert.False(s.T(), s.GetGateway().Subscription(reactivated.ProviderSubscriptionID).CancelAtPeriodEnd)
}

func (s *SubscriptionServiceSuite) TestReactivate_AfterPeriodEnd() {
	s.subscribe("user_1", tier.Explorer)
	_, err := s.service.Cancel(s.GetContext(), dto.CancelSubscriptionRequest{
		SubscriberID: "user_1",
		AtPeriodEnd:  true,
	})
	require.NoError(s.T(), err)

	s.AdvanceClock(32 * 24 * time.Hour)
	_, err = s.service.Reactivate(s.GetContext(), "user_1")
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsInvalidOperation(err))
	assert.Equal(s.T(), 1, s.GetGateway().Calls(testutil.OpSetCancelAtPeriodEnd))
}

func (s *SubscriptionServiceSuite) TestReactivate_NotPendingCancellation() {
	s.subscribe("user_1", tier.Explorer)

	_, err := s.service.Reactivate(s.GetContext(), "user_1")
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsInvalidOperation(err))
}

func (s *SubscriptionServiceSuite) TestCancelImmediately() {
	s.subscribe("user_1", tier.Traveler)

	resp, err := s.service.Cancel(s.GetContext(), dto.CancelSubscriptionRequest{SubscriberID: "user_1"})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), types.SubscriptionStatusCanceled, resp.Status)
	assert.Equal(s.T(), tier.Free, resp.Tier)
	require.NotNil(s.T(), resp.CanceledAt)
	assert.Equal(s.T(), types.SubscriptionStatusCanceled, s.GetGateway().Subscription(resp.ProviderSubscriptionID).Status)

	entitlement, err := s.service.Entitlement(s.GetContext(), "user_1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), types.SubscriptionStatusCanceled, entitlement.Status)
	assert.Equal(s.T(), tier.Free, entitlement.Tier.ID)

	_, err = s.service.Cancel(s.GetContext(), dto.CancelSubscriptionRequest{SubscriberID: "user_1"})
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsNotFound(err))
}

func (s *SubscriptionServiceSuite) TestEntitlement_WithoutSubscription() {
	resp, err := s.service.Entitlement(s.GetContext(), "user_1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), types.SubscriptionStatusNone, resp.Status)
	assert.Equal(s.T(), tier.Free, resp.Tier.ID)
}

func (s *SubscriptionServiceSuite) TestGet() {
	created := s.subscribe("user_1", tier.Explorer)

	resp, err := s.service.Get(s.GetContext(), "user_1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), created.ID, resp.ID)

	_, err = s.service.Get(s.GetContext(), "user_2")
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsNotFound(err))

	_, err = s.service.Get(s.GetContext(), "")
	require.Error(s.T(), err)
	assert.True(s.T(), ierr.IsValidation(err))
}

func (s *SubscriptionServiceSuite) TestConcurrentUpgradesDoNotLoseUpdates() {
	created := s.subscribe("user_1", tier.Explorer)

	// hold the first provider update until both requests are in flight
	release := make(chan struct{})
	var once sync.Once
	s.GetGateway().OnCall(testutil.OpUpdateSubscriptionItem, func(ctx context.Context) {
		once.Do(func() { <-release })
	})

	targets := []string{tier.Traveler, tier.Enterprise}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		i, target := i, target
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.service.Upgrade(s.GetContext(), dto.ChangeTierRequest{
				SubscriberID: "user_1",
				NewTier:      target,
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(s.T(), ierr.IsInvalidOperation(err), "unexpected error: %v", err)
	}
	require.GreaterOrEqual(s.T(), succeeded, 1)

	stored := s.stored("user_1")
	assert.Equal(s.T(), tier.Enterprise, stored.Tier)
	assert.Equal(s.T(), created.Version+succeeded, stored.Version)
	assert.Equal(s.T(), stored.Tier, s.GetGateway().Subscription(stored.ProviderSubscriptionID).TierID)
	assert.Equal(s.T(), 0, s.GetLocker().Len())
}
