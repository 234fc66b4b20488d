package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	g := NewGenerator()

	a := g.GenerateKey(ScopeTierChange, map[string]any{"subscription_id": "subs_1", "version": 2})
	b := g.GenerateKey(ScopeTierChange, map[string]any{"version": 2, "subscription_id": "subs_1"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "tier_change-"))
	assert.Len(t, a, len("tier_change-")+24)

	assert.NotEqual(t, a, g.GenerateKey(ScopeTierChange, map[string]any{"subscription_id": "subs_1", "version": 3}))
	assert.NotEqual(t, a, g.GenerateKey(ScopeProrationInvoice, map[string]any{"subscription_id": "subs_1", "version": 2}))
}
