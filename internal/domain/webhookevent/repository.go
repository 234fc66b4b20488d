package webhookevent

import (
	"context"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/types"
)

type Repository interface {
	// Create fails with ErrAlreadyExists when the provider event id was seen before
	Create(ctx context.Context, event *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	GetByProviderEventID(ctx context.Context, providerEventID string) (*Event, error)
	// Claim increments the processing attempts of an unprocessed, unleased event
	// whose attempts still equal expectedAttempts and leases it until leaseUntil.
	// Otherwise it fails with ErrVersionConflict.
	Claim(ctx context.Context, id string, expectedAttempts int, at, leaseUntil time.Time) error
	// MarkProcessed and MarkFailed end the attempt and release the lease
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// MarkFailed leaves an already processed event untouched
	MarkFailed(ctx context.Context, id string, message string) error
	// List returns events oldest first
	List(ctx context.Context, filter *types.WebhookEventFilter) ([]*Event, error)
	Count(ctx context.Context, filter *types.WebhookEventFilter) (int, error)
}
