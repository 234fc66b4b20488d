package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Scope names the provider mutation a key protects
type Scope string

const (
	ScopeCreateSubscription Scope = "create_subscription"
	ScopeTierChange         Scope = "tier_change"
	ScopeProrationInvoice   Scope = "proration_invoice"
	ScopeRefund             Scope = "refund"
)

// Generator derives provider idempotency keys. Equal inputs give equal keys, so a
// retried mutation is deduplicated by the provider.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// GenerateKey generates an idempotency key from a scope and parameters
func (g *Generator) GenerateKey(scope Scope, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(scope))
	for _, k := range keys {
		fmt.Fprintf(&b, ":%s=%v", k, params[k])
	}

	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s-%s", scope, hex.EncodeToString(hash[:12]))
}
