package subscription

import (
	"testing"
	"time"

	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0          = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	activeState = ProviderState{
		SubscriptionID:     "sub_provider_1",
		ItemID:             "si_1",
		PriceID:            "price_explorer_monthly",
		Status:             types.SubscriptionStatusActive,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   periodEnd,
	}
)

func newActive(t *testing.T) *Subscription {
	t.Helper()
	s := New("user_1", "cus_1", "explorer", types.BillingIntervalMonthly, t0)
	require.NoError(t, s.Activate(activeState, t0))
	return s
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.SubscriptionStatus
		allowed  bool
	}{
		{types.SubscriptionStatusNone, types.SubscriptionStatusActive, true},
		{types.SubscriptionStatusNone, types.SubscriptionStatusTrialing, true},
		{types.SubscriptionStatusNone, types.SubscriptionStatusPastDue, false},
		{types.SubscriptionStatusIncomplete, types.SubscriptionStatusActive, true},
		{types.SubscriptionStatusActive, types.SubscriptionStatusPastDue, true},
		{types.SubscriptionStatusPastDue, types.SubscriptionStatusActive, true},
		{types.SubscriptionStatusActive, types.SubscriptionStatusTrialing, false},
		{types.SubscriptionStatusActive, types.SubscriptionStatusIncomplete, false},
		{types.SubscriptionStatusCanceled, types.SubscriptionStatusActive, false},
		{types.SubscriptionStatusCanceled, types.SubscriptionStatusPastDue, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestActivate(t *testing.T) {
	s := newActive(t)

	assert.Equal(t, types.SubscriptionStatusActive, s.Status)
	assert.Equal(t, "sub_provider_1", s.ProviderSubscriptionID)
	assert.Equal(t, "si_1", s.ProviderSubscriptionItemID)
	assert.Equal(t, periodEnd, s.CurrentPeriodEnd)

	err := s.Activate(activeState, t0)
	assert.True(t, ierr.IsInvalidOperation(err))
}

func TestApplyTierChange(t *testing.T) {
	s := newActive(t)
	require.NoError(t, s.ScheduleTierChange(PendingTierChange{Tier: "free", EffectiveAt: periodEnd}, t0.Add(time.Hour)))

	later := t0.Add(2 * time.Hour)
	state := activeState
	state.PriceID = "price_traveler_monthly"
	state.CurrentPeriodStart = later
	state.CurrentPeriodEnd = later.AddDate(0, 1, 0)

	require.NoError(t, s.ApplyTierChange("traveler", types.BillingIntervalMonthly, state, later))
	assert.Equal(t, "traveler", s.Tier)
	assert.Equal(t, "price_traveler_monthly", s.ProviderPriceID)
	assert.Equal(t, later.AddDate(0, 1, 0), s.CurrentPeriodEnd)
	assert.Nil(t, s.PendingTierChange)
	assert.Equal(t, later, s.UpdatedAt)
}

func TestScheduleAndConfirmTierChange(t *testing.T) {
	s := newActive(t)
	now := t0.Add(time.Hour)

	require.NoError(t, s.ScheduleTierChange(PendingTierChange{
		Tier:               "free",
		Interval:           types.BillingIntervalMonthly,
		EffectiveAt:        periodEnd,
		ProviderScheduleID: "sub_sched_1",
		ProviderPriceID:    "price_free_monthly",
	}, now))
	assert.Equal(t, "explorer", s.Tier)
	assert.True(t, s.HasPendingTierChange())
	assert.Equal(t, now, s.UpdatedAt)

	next := ProviderState{
		Status:             types.SubscriptionStatusActive,
		CurrentPeriodStart: periodEnd,
		CurrentPeriodEnd:   periodEnd.AddDate(0, 1, 0),
	}
	require.NoError(t, s.ConfirmScheduledTierChange(next, periodEnd))
	assert.Equal(t, "free", s.Tier)
	assert.Equal(t, "price_free_monthly", s.ProviderPriceID)
	assert.False(t, s.HasPendingTierChange())

	err := s.ConfirmScheduledTierChange(next, periodEnd)
	assert.True(t, ierr.IsInvalidOperation(err))
}

func TestCancelAtPeriodEndThenReactivate(t *testing.T) {
	s := newActive(t)

	require.NoError(t, s.MarkCancelAtPeriodEnd(activeState, t0.Add(time.Hour)))
	assert.True(t, s.CancelAtPeriodEnd)
	assert.Equal(t, types.SubscriptionStatusActive, s.Status)

	require.NoError(t, s.Reactivate(activeState, t0.Add(2*time.Hour)))
	assert.False(t, s.CancelAtPeriodEnd)
	assert.Equal(t, types.SubscriptionStatusActive, s.Status)

	err := s.Reactivate(activeState, t0.Add(3*time.Hour))
	assert.True(t, ierr.IsInvalidOperation(err))
}

func TestReactivate_AfterPeriodEnd(t *testing.T) {
	s := newActive(t)
	require.NoError(t, s.MarkCancelAtPeriodEnd(activeState, t0))

	err := s.Reactivate(activeState, periodEnd.Add(time.Second))
	assert.True(t, ierr.IsInvalidOperation(err))
	assert.True(t, s.CancelAtPeriodEnd)
}

func TestReactivate_CanceledWhilePeriodRemains(t *testing.T) {
	s := newActive(t)
	require.NoError(t, s.MarkCancelAtPeriodEnd(activeState, t0))
	state := activeState
	state.Status = types.SubscriptionStatusCanceled
	state.CancelAtPeriodEnd = true
	require.NoError(t, s.ReconcileProviderState(state, t0.Add(time.Hour)))
	require.Equal(t, types.SubscriptionStatusCanceled, s.Status)

	require.NoError(t, s.Reactivate(activeState, t0.Add(2*time.Hour)))
	assert.Equal(t, types.SubscriptionStatusActive, s.Status)
	assert.Nil(t, s.CanceledAt)
}

func TestCancelImmediately(t *testing.T) {
	s := newActive(t)
	now := t0.Add(time.Hour)

	require.NoError(t, s.CancelImmediately("free", now))
	assert.Equal(t, types.SubscriptionStatusCanceled, s.Status)
	assert.Equal(t, "free", s.Tier)
	require.NotNil(t, s.CanceledAt)
	assert.Equal(t, now, *s.CanceledAt)
	assert.False(t, s.IsLive())

	err := s.CancelImmediately("free", now)
	assert.True(t, ierr.IsInvalidOperation(err))

	err = s.MarkPastDue(now)
	assert.True(t, ierr.IsInvalidOperation(err))
}

func TestPastDueAndRecovery(t *testing.T) {
	s := newActive(t)

	err := s.MarkPaymentRecovered(t0)
	assert.True(t, ierr.IsInvalidOperation(err))

	require.NoError(t, s.MarkPastDue(t0.Add(time.Hour)))
	assert.Equal(t, types.SubscriptionStatusPastDue, s.Status)
	require.NoError(t, s.MarkPastDue(t0.Add(2*time.Hour)))

	require.NoError(t, s.MarkPaymentRecovered(t0.Add(3*time.Hour)))
	assert.Equal(t, types.SubscriptionStatusActive, s.Status)
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	s := newActive(t)
	later := t0.Add(time.Hour)
	require.NoError(t, s.MarkPastDue(later))

	require.NoError(t, s.MarkPaymentRecovered(t0))
	assert.Equal(t, later, s.UpdatedAt)
}

func TestReconcileProviderState(t *testing.T) {
	s := newActive(t)
	state := activeState
	state.Status = types.SubscriptionStatusPastDue
	state.CurrentPeriodEnd = periodEnd.AddDate(0, 1, 0)
	state.CancelAtPeriodEnd = true

	require.NoError(t, s.ReconcileProviderState(state, t0.Add(time.Hour)))
	assert.Equal(t, types.SubscriptionStatusPastDue, s.Status)
	assert.Equal(t, state.CurrentPeriodEnd, s.CurrentPeriodEnd)
	assert.True(t, s.CancelAtPeriodEnd)

	state.Status = types.SubscriptionStatusTrialing
	err := s.ReconcileProviderState(state, t0.Add(2*time.Hour))
	assert.True(t, ierr.IsInvalidOperation(err))
}

func TestClone(t *testing.T) {
	s := newActive(t)
	require.NoError(t, s.ScheduleTierChange(PendingTierChange{Tier: "free"}, t0))

	c := s.Clone()
	c.PendingTierChange.Tier = "traveler"
	assert.Equal(t, "free", s.PendingTierChange.Tier)
}
