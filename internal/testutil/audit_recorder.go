package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/audit"
)

// AuditRecorder is an audit.Logger that keeps entries in memory
type AuditRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
	// Err, when set, is returned by every LogAction call
	Err error
}

var _ audit.Logger = (*AuditRecorder)(nil)

func NewAuditRecorder() *AuditRecorder {
	return &AuditRecorder{}
}

func (r *AuditRecorder) LogAction(_ context.Context, actorID, action, resourceType, resourceID string, details map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.entries = append(r.entries, audit.Entry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		OccurredAt:   time.Now().UTC(),
	})
	return nil
}

func (r *AuditRecorder) Entries() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
