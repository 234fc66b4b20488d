package testutil

import (
	"context"

	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
)

// InMemorySubscriptionStore implements subscription.Repository with the same
// live-record uniqueness and version checks as the postgres repository
type InMemorySubscriptionStore struct {
	*InMemoryStore[*subscription.Subscription]
}

func NewInMemorySubscriptionStore() *InMemorySubscriptionStore {
	return &InMemorySubscriptionStore{
		InMemoryStore: NewInMemoryStore[*subscription.Subscription](),
	}
}

var _ subscription.Repository = (*InMemorySubscriptionStore)(nil)

func liveConflict(items map[string]*subscription.Subscription, sub *subscription.Subscription) bool {
	if !sub.IsLive() {
		return false
	}
	for id, existing := range items {
		if id != sub.ID && existing.SubscriberID == sub.SubscriberID && existing.IsLive() {
			return true
		}
	}
	return false
}

func (s *InMemorySubscriptionStore) Create(_ context.Context, sub *subscription.Subscription) error {
	return s.Mutate(func(items map[string]*subscription.Subscription) error {
		if _, exists := items[sub.ID]; exists {
			return ierr.NewErrorf("subscription %s already exists", sub.ID).
				Mark(ierr.ErrAlreadyExists)
		}
		if liveConflict(items, sub) {
			return ierr.NewErrorf("subscriber %s already has a live subscription", sub.SubscriberID).
				WithHint("Subscriber already has a live subscription").
				Mark(ierr.ErrAlreadyExists)
		}
		items[sub.ID] = sub.Clone()
		return nil
	})
}

func (s *InMemorySubscriptionStore) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

func (s *InMemorySubscriptionStore) find(ctx context.Context, match func(*subscription.Subscription) bool, less SortFunc[*subscription.Subscription]) (*subscription.Subscription, error) {
	subs, err := s.List(ctx, nil, func(_ context.Context, sub *subscription.Subscription, _ interface{}) bool {
		return match(sub)
	}, less)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ierr.NewError("subscription not found").
			WithHint("Subscription not found").
			Mark(ierr.ErrNotFound)
	}
	return subs[0].Clone(), nil
}

func (s *InMemorySubscriptionStore) GetLiveBySubscriber(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	return s.find(ctx, func(sub *subscription.Subscription) bool {
		return sub.SubscriberID == subscriberID && sub.IsLive()
	}, nil)
}

func (s *InMemorySubscriptionStore) GetLatestBySubscriber(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	return s.find(ctx, func(sub *subscription.Subscription) bool {
		return sub.SubscriberID == subscriberID
	}, func(a, b *subscription.Subscription) bool {
		if a.IsLive() != b.IsLive() {
			return a.IsLive()
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}

func (s *InMemorySubscriptionStore) GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, ierr.NewError("provider subscription id is required").
			Mark(ierr.ErrNotFound)
	}
	return s.find(ctx, func(sub *subscription.Subscription) bool {
		return sub.ProviderSubscriptionID == providerSubscriptionID
	}, nil)
}

func (s *InMemorySubscriptionStore) ListBySubscriber(ctx context.Context, subscriberID string) ([]*subscription.Subscription, error) {
	subs, err := s.List(ctx, nil, func(_ context.Context, sub *subscription.Subscription, _ interface{}) bool {
		return sub.SubscriberID == subscriberID
	}, func(a, b *subscription.Subscription) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*subscription.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Clone())
	}
	return out, nil
}

func (s *InMemorySubscriptionStore) Update(_ context.Context, sub *subscription.Subscription) error {
	return s.Mutate(func(items map[string]*subscription.Subscription) error {
		stored, exists := items[sub.ID]
		if !exists {
			return ierr.NewErrorf("subscription %s not found", sub.ID).
				Mark(ierr.ErrNotFound)
		}
		if stored.Version != sub.Version {
			return ierr.NewErrorf("subscription %s changed since version %d", sub.ID, sub.Version).
				WithHint("The subscription was modified concurrently, please retry").
				Mark(ierr.ErrVersionConflict)
		}
		if liveConflict(items, sub) {
			return ierr.NewErrorf("subscriber %s already has a live subscription", sub.SubscriberID).
				Mark(ierr.ErrAlreadyExists)
		}
		sub.Version++
		items[sub.ID] = sub.Clone()
		return nil
	})
}

// Put stores a record as is, for seeding tests
func (s *InMemorySubscriptionStore) Put(sub *subscription.Subscription) {
	_ = s.Mutate(func(items map[string]*subscription.Subscription) error {
		items[sub.ID] = sub.Clone()
		return nil
	})
}
