package payment

import (
	"context"

	"github.com/flexprice/billing-lifecycle/internal/types"
)

// Repository stores payment attempts. There is no update or delete.
type Repository interface {
	Create(ctx context.Context, attempt *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	// List returns attempts newest first
	List(ctx context.Context, filter *types.PaymentAttemptFilter) ([]*Attempt, error)
	Count(ctx context.Context, filter *types.PaymentAttemptFilter) (int, error)
}
