package testutil

import (
	"context"

	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/samber/lo"
)

// InMemoryPaymentAttemptStore implements payment.Repository
type InMemoryPaymentAttemptStore struct {
	*InMemoryStore[*payment.Attempt]
}

func NewInMemoryPaymentAttemptStore() *InMemoryPaymentAttemptStore {
	return &InMemoryPaymentAttemptStore{
		InMemoryStore: NewInMemoryStore[*payment.Attempt](),
	}
}

var _ payment.Repository = (*InMemoryPaymentAttemptStore)(nil)

func copyAttempt(a *payment.Attempt) *payment.Attempt {
	c := *a
	return &c
}

func attemptFilterFn(_ context.Context, a *payment.Attempt, filter interface{}) bool {
	f, ok := filter.(*types.PaymentAttemptFilter)
	if !ok || f == nil {
		return true
	}
	if f.SubscriberID != "" && a.SubscriberID != f.SubscriberID {
		return false
	}
	if f.ProviderInvoiceID != "" && a.ProviderInvoiceID != f.ProviderInvoiceID {
		return false
	}
	if len(f.Status) > 0 && !lo.Contains(f.Status, a.Status) {
		return false
	}
	return true
}

func attemptSortFn(a, b *payment.Attempt) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *InMemoryPaymentAttemptStore) Create(ctx context.Context, a *payment.Attempt) error {
	return s.InMemoryStore.Create(ctx, a.ID, copyAttempt(a))
}

func (s *InMemoryPaymentAttemptStore) Get(ctx context.Context, id string) (*payment.Attempt, error) {
	a, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return copyAttempt(a), nil
}

func (s *InMemoryPaymentAttemptStore) List(ctx context.Context, filter *types.PaymentAttemptFilter) ([]*payment.Attempt, error) {
	items, err := s.InMemoryStore.List(ctx, filter, attemptFilterFn, attemptSortFn)
	if err != nil {
		return nil, err
	}
	var qf *types.QueryFilter
	if filter != nil {
		qf = filter.QueryFilter
	}
	return lo.Map(paginate(items, qf), func(a *payment.Attempt, _ int) *payment.Attempt {
		return copyAttempt(a)
	}), nil
}

func (s *InMemoryPaymentAttemptStore) Count(ctx context.Context, filter *types.PaymentAttemptFilter) (int, error) {
	return s.InMemoryStore.Count(ctx, filter, attemptFilterFn)
}
