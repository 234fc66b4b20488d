package subscription

import (
	"context"
)

// Repository persists subscription records. Records are never deleted.
type Repository interface {
	// Create inserts a new record. It fails with ErrAlreadyExists when the
	// subscriber already holds a live record.
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	// GetLiveBySubscriber returns the subscriber's live record or ErrNotFound
	GetLiveBySubscriber(ctx context.Context, subscriberID string) (*Subscription, error)
	// GetLatestBySubscriber returns the live record, or the most recently updated one
	GetLatestBySubscriber(ctx context.Context, subscriberID string) (*Subscription, error)
	GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	ListBySubscriber(ctx context.Context, subscriberID string) ([]*Subscription, error)
	// Update writes the record if its stored version still equals sub.Version
	// and increments sub.Version. A stale version fails with ErrVersionConflict.
	Update(ctx context.Context, sub *Subscription) error
}
