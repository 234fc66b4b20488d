package testutil

import (
	"context"
	"sync"

	"github.com/flexprice/billing-lifecycle/internal/postgres"
)

var _ postgres.IClient = (*MockPostgresClient)(nil) // Ensure MockPostgresClient implements IClient

// MockPostgresClient runs transactions inline and counts them
type MockPostgresClient struct {
	mu  sync.Mutex
	txs int
}

func NewMockPostgresClient() *MockPostgresClient {
	return &MockPostgresClient{}
}

type mockTxKey struct{}

// WithTx executes the given function; nested calls reuse the outer transaction
func (c *MockPostgresClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(mockTxKey{}) != nil {
		return fn(ctx)
	}
	c.mu.Lock()
	c.txs++
	c.mu.Unlock()
	return fn(context.WithValue(ctx, mockTxKey{}, true))
}

// Transactions returns how many outermost transactions were started
func (c *MockPostgresClient) Transactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txs
}
