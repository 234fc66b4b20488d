package testutil

import (
	"context"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/domain/webhookevent"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/samber/lo"
)

// InMemoryWebhookEventStore implements webhookevent.Repository with a unique provider event id
type InMemoryWebhookEventStore struct {
	*InMemoryStore[*webhookevent.Event]
}

func NewInMemoryWebhookEventStore() *InMemoryWebhookEventStore {
	return &InMemoryWebhookEventStore{
		InMemoryStore: NewInMemoryStore[*webhookevent.Event](),
	}
}

var _ webhookevent.Repository = (*InMemoryWebhookEventStore)(nil)

func copyWebhookEvent(e *webhookevent.Event) *webhookevent.Event {
	c := *e
	c.RawPayload = append([]byte(nil), e.RawPayload...)
	if e.LastProcessingAttempt != nil {
		t := *e.LastProcessingAttempt
		c.LastProcessingAttempt = &t
	}
	if e.LeaseExpiresAt != nil {
		t := *e.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func (s *InMemoryWebhookEventStore) Create(_ context.Context, e *webhookevent.Event) error {
	return s.Mutate(func(items map[string]*webhookevent.Event) error {
		for _, existing := range items {
			if existing.ProviderEventID == e.ProviderEventID {
				return ierr.NewErrorf("webhook event %s already received", e.ProviderEventID).
					WithHint("Webhook event already received").
					Mark(ierr.ErrAlreadyExists)
			}
		}
		items[e.ID] = copyWebhookEvent(e)
		return nil
	})
}

func (s *InMemoryWebhookEventStore) Get(ctx context.Context, id string) (*webhookevent.Event, error) {
	e, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return copyWebhookEvent(e), nil
}

func (s *InMemoryWebhookEventStore) GetByProviderEventID(ctx context.Context, providerEventID string) (*webhookevent.Event, error) {
	events, err := s.InMemoryStore.List(ctx, nil, func(_ context.Context, e *webhookevent.Event, _ interface{}) bool {
		return e.ProviderEventID == providerEventID
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ierr.NewErrorf("webhook event %s not found", providerEventID).
			Mark(ierr.ErrNotFound)
	}
	return copyWebhookEvent(events[0]), nil
}

func (s *InMemoryWebhookEventStore) Claim(_ context.Context, id string, expectedAttempts int, at, leaseUntil time.Time) error {
	return s.Mutate(func(items map[string]*webhookevent.Event) error {
		e, ok := items[id]
		if !ok {
			return ierr.NewErrorf("webhook event %s not found", id).
				Mark(ierr.ErrNotFound)
		}
		if e.Processed || e.ProcessingAttempts != expectedAttempts || e.Leased(at) {
			return ierr.NewErrorf("webhook event %s already claimed", id).
				Mark(ierr.ErrVersionConflict)
		}
		e.ProcessingAttempts++
		claimedAt, until := at, leaseUntil
		e.LastProcessingAttempt = &claimedAt
		e.LeaseExpiresAt = &until
		return nil
	})
}

func (s *InMemoryWebhookEventStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return s.Mutate(func(items map[string]*webhookevent.Event) error {
		e, ok := items[id]
		if !ok {
			return ierr.NewErrorf("webhook event %s not found", id).
				Mark(ierr.ErrNotFound)
		}
		processedAt := at
		e.Processed = true
		e.ProcessedAt = &processedAt
		e.ErrorMessage = ""
		e.LeaseExpiresAt = nil
		return nil
	})
}

func (s *InMemoryWebhookEventStore) MarkFailed(_ context.Context, id string, message string) error {
	return s.Mutate(func(items map[string]*webhookevent.Event) error {
		e, ok := items[id]
		if !ok {
			return ierr.NewErrorf("webhook event %s not found", id).
				Mark(ierr.ErrNotFound)
		}
		if e.Processed {
			return nil
		}
		e.ErrorMessage = message
		e.LeaseExpiresAt = nil
		return nil
	})
}

func webhookEventFilterFn(_ context.Context, e *webhookevent.Event, filter interface{}) bool {
	f, ok := filter.(*types.WebhookEventFilter)
	if !ok || f == nil {
		return true
	}
	if f.Unprocessed && e.Processed {
		return false
	}
	if f.MaxAttempts > 0 && e.ProcessingAttempts >= f.MaxAttempts {
		return false
	}
	if f.MinAttempts > 0 && e.ProcessingAttempts < f.MinAttempts {
		return false
	}
	if len(f.EventTypes) > 0 && !lo.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.AvailableAt != nil && e.Leased(*f.AvailableAt) {
		return false
	}
	return true
}

func (s *InMemoryWebhookEventStore) List(ctx context.Context, filter *types.WebhookEventFilter) ([]*webhookevent.Event, error) {
	items, err := s.InMemoryStore.List(ctx, filter, webhookEventFilterFn, func(a, b *webhookevent.Event) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	var qf *types.QueryFilter
	if filter != nil {
		qf = filter.QueryFilter
	}
	return lo.Map(paginate(items, qf), func(e *webhookevent.Event, _ int) *webhookevent.Event {
		return copyWebhookEvent(e)
	}), nil
}

func (s *InMemoryWebhookEventStore) Count(ctx context.Context, filter *types.WebhookEventFilter) (int, error) {
	return s.InMemoryStore.Count(ctx, filter, webhookEventFilterFn)
}
