package subscription

import (
	"time"

	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/samber/lo"
)

// allowedTransitions is the status table every write is checked against.
// canceled to active is reachable only through Reactivate.
var allowedTransitions = map[types.SubscriptionStatus][]types.SubscriptionStatus{
	types.SubscriptionStatusNone: {
		types.SubscriptionStatusTrialing,
		types.SubscriptionStatusActive,
		types.SubscriptionStatusIncomplete,
	},
	types.SubscriptionStatusIncomplete: {
		types.SubscriptionStatusActive,
		types.SubscriptionStatusCanceled,
	},
	types.SubscriptionStatusTrialing: {
		types.SubscriptionStatusTrialing,
		types.SubscriptionStatusActive,
		types.SubscriptionStatusPastDue,
		types.SubscriptionStatusCanceled,
	},
	types.SubscriptionStatusActive: {
		types.SubscriptionStatusActive,
		types.SubscriptionStatusPastDue,
		types.SubscriptionStatusCanceled,
	},
	types.SubscriptionStatusPastDue: {
		types.SubscriptionStatusPastDue,
		types.SubscriptionStatusActive,
		types.SubscriptionStatusCanceled,
	},
}

// CanTransition reports whether the status table allows from -> to
func CanTransition(from, to types.SubscriptionStatus) bool {
	return lo.Contains(allowedTransitions[from], to)
}

func (s *Subscription) moveTo(to types.SubscriptionStatus) error {
	if !CanTransition(s.Status, to) {
		return invalidTransition(s, to)
	}
	s.Status = to
	return nil
}

func invalidTransition(s *Subscription, to types.SubscriptionStatus) error {
	return ierr.NewErrorf("subscription %s cannot move from %s to %s", s.ID, s.Status, to).
		WithHintf("A %s subscription cannot become %s", s.Status, to).
		WithReportableDetails(map[string]any{
			"subscription_id": s.ID,
			"from":            s.Status,
			"to":              to,
		}).
		Mark(ierr.ErrInvalidOperation)
}

func (s *Subscription) requireLive(action string) error {
	if s.Status.IsLive() {
		return nil
	}
	return ierr.NewErrorf("cannot %s subscription %s in status %s", action, s.ID, s.Status).
		WithHintf("Subscription must be live to %s", action).
		WithReportableDetails(map[string]any{
			"subscription_id": s.ID,
			"status":          s.Status,
		}).
		Mark(ierr.ErrInvalidOperation)
}

// touch advances UpdatedAt, it never moves backwards
func (s *Subscription) touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

func (s *Subscription) copyPeriod(state ProviderState) {
	if !state.CurrentPeriodStart.IsZero() {
		s.CurrentPeriodStart = state.CurrentPeriodStart
	}
	if !state.CurrentPeriodEnd.IsZero() {
		s.CurrentPeriodEnd = state.CurrentPeriodEnd
	}
}

// Activate records the provider subscription created for a new record.
// Writes provider ids, status, period and the cancel flag.
func (s *Subscription) Activate(state ProviderState, now time.Time) error {
	if s.Status != types.SubscriptionStatusNone && s.Status != types.SubscriptionStatusIncomplete {
		return invalidTransition(s, state.Status)
	}
	if err := s.moveTo(state.Status); err != nil {
		return err
	}
	s.ProviderSubscriptionID = state.SubscriptionID
	s.ProviderSubscriptionItemID = state.ItemID
	s.ProviderPriceID = state.PriceID
	s.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	s.copyPeriod(state)
	s.touch(now)
	return nil
}

// ApplyTierChange switches the tier in effect. Writes tier, interval, provider
// item and price, period and status from the provider; clears any pending change.
func (s *Subscription) ApplyTierChange(tier string, interval types.BillingInterval, state ProviderState, now time.Time) error {
	if err := s.requireLive("change the tier of"); err != nil {
		return err
	}
	if state.Status != "" {
		if err := s.moveTo(state.Status); err != nil {
			return err
		}
	}
	s.Tier = tier
	s.Interval = interval
	if state.ItemID != "" {
		s.ProviderSubscriptionItemID = state.ItemID
	}
	if state.PriceID != "" {
		s.ProviderPriceID = state.PriceID
	}
	s.PendingTierChange = nil
	s.copyPeriod(state)
	s.touch(now)
	return nil
}

// ScheduleTierChange records a deferred change. The tier in effect is untouched.
func (s *Subscription) ScheduleTierChange(pending PendingTierChange, now time.Time) error {
	if err := s.requireLive("schedule a tier change for"); err != nil {
		return err
	}
	if pending.Tier == "" {
		return ierr.NewError("pending tier change without a tier").
			Mark(ierr.ErrValidation)
	}
	s.PendingTierChange = &pending
	s.touch(now)
	return nil
}

// ConfirmScheduledTierChange applies the pending change once the provider moved
// to the new phase. Writes tier, interval, price, period and clears the pending change.
func (s *Subscription) ConfirmScheduledTierChange(state ProviderState, now time.Time) error {
	if s.PendingTierChange == nil {
		return ierr.NewErrorf("subscription %s has no pending tier change", s.ID).
			Mark(ierr.ErrInvalidOperation)
	}
	pending := *s.PendingTierChange
	if state.PriceID == "" {
		state.PriceID = pending.ProviderPriceID
	}
	return s.ApplyTierChange(pending.Tier, pending.Interval, state, now)
}

// ClearPendingTierChange drops a scheduled change
func (s *Subscription) ClearPendingTierChange(now time.Time) error {
	if s.PendingTierChange == nil {
		return nil
	}
	s.PendingTierChange = nil
	s.touch(now)
	return nil
}

// MarkCancelAtPeriodEnd mirrors the provider cancel flag; status stays as is
func (s *Subscription) MarkCancelAtPeriodEnd(state ProviderState, now time.Time) error {
	if err := s.requireLive("cancel"); err != nil {
		return err
	}
	s.CancelAtPeriodEnd = true
	s.copyPeriod(state)
	s.touch(now)
	return nil
}

// CancelImmediately ends the subscription and demotes it to the lowest tier
func (s *Subscription) CancelImmediately(lowestTier string, now time.Time) error {
	if err := s.moveTo(types.SubscriptionStatusCanceled); err != nil {
		return err
	}
	s.Tier = lowestTier
	s.CancelAtPeriodEnd = false
	s.PendingTierChange = nil
	canceledAt := now
	s.CanceledAt = &canceledAt
	s.touch(now)
	return nil
}

// CanReactivate reports whether a scheduled cancellation may still be undone
func (s *Subscription) CanReactivate(now time.Time) bool {
	return s.CancelAtPeriodEnd && now.Before(s.CurrentPeriodEnd)
}

// Reactivate undoes a cancellation scheduled for the period end. It is the
// only way out of canceled.
func (s *Subscription) Reactivate(state ProviderState, now time.Time) error {
	if !s.CanReactivate(now) {
		return ierr.NewErrorf("subscription %s is not pending cancellation", s.ID).
			WithHint("Only a subscription canceled at period end can be reactivated before the period ends").
			WithReportableDetails(map[string]any{
				"subscription_id":      s.ID,
				"cancel_at_period_end": s.CancelAtPeriodEnd,
				"current_period_end":   s.CurrentPeriodEnd,
			}).
			Mark(ierr.ErrInvalidOperation)
	}
	// a live record keeps its status, past due stays past due
	if s.Status == types.SubscriptionStatusCanceled {
		s.Status = types.SubscriptionStatusActive
	}
	s.CancelAtPeriodEnd = false
	s.CanceledAt = nil
	s.copyPeriod(state)
	s.touch(now)
	return nil
}

// MarkPastDue records a failed renewal payment
func (s *Subscription) MarkPastDue(now time.Time) error {
	if err := s.moveTo(types.SubscriptionStatusPastDue); err != nil {
		return err
	}
	s.touch(now)
	return nil
}

// MarkPaymentRecovered returns a past due subscription to active
func (s *Subscription) MarkPaymentRecovered(now time.Time) error {
	if s.Status != types.SubscriptionStatusPastDue {
		return invalidTransition(s, types.SubscriptionStatusActive)
	}
	if err := s.moveTo(types.SubscriptionStatusActive); err != nil {
		return err
	}
	s.touch(now)
	return nil
}

// ReconcileProviderState copies status, period and cancel flag from the provider
func (s *Subscription) ReconcileProviderState(state ProviderState, now time.Time) error {
	if state.Status != "" && state.Status != s.Status {
		if err := s.moveTo(state.Status); err != nil {
			return err
		}
		if state.Status == types.SubscriptionStatusCanceled {
			canceledAt := now
			if state.CanceledAt != nil {
				canceledAt = *state.CanceledAt
			}
			s.CanceledAt = &canceledAt
			s.PendingTierChange = nil
		}
	}
	if s.ProviderSubscriptionItemID == "" {
		s.ProviderSubscriptionItemID = state.ItemID
	}
	s.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	s.copyPeriod(state)
	s.touch(now)
	return nil
}
