// Package audit records admin actions taken against billing resources.
package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/config"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/httpclient"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/types"
)

const (
	ActionSubscriptionCancel = "subscription.cancel"
	ActionPaymentRefund      = "payment.refund"
	ActionWebhookReplay      = "webhook.replay"

	ResourceSubscription = "subscription"
	ResourcePayment      = "payment"
	ResourceWebhookEvent = "webhook_event"
)

// Entry is one audited admin action
type Entry struct {
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Logger is the audit collaborator
type Logger interface {
	LogAction(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) error
}

// NewLogger picks the sink configured in audit.sink
func NewLogger(cfg *config.Configuration, log *logger.Logger) Logger {
	if cfg.Audit.Sink == types.AuditSinkHTTP {
		client := httpclient.NewDefaultClient(httpclient.ClientConfig{
			Timeout:  cfg.Audit.Timeout,
			RetryMax: cfg.Audit.RetryMax,
		}, log)
		return NewHTTPLogger(cfg.Audit.Endpoint, client, log)
	}
	return NewLogSink(log)
}

type logSink struct {
	log *logger.Logger
	now func() time.Time
}

// NewLogSink writes audit entries to the structured log
func NewLogSink(log *logger.Logger) Logger {
	return &logSink{log: log, now: time.Now}
}

func (s *logSink) LogAction(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) error {
	s.log.Infow("audit",
		"actor_id", actorID,
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"details", details,
		"request_id", types.GetRequestID(ctx),
		"occurred_at", s.now().UTC(),
	)
	return nil
}

type httpLogger struct {
	endpoint string
	client   httpclient.Client
	log      *logger.Logger
	now      func() time.Time
}

// NewHTTPLogger posts each entry as JSON to endpoint
func NewHTTPLogger(endpoint string, client httpclient.Client, log *logger.Logger) Logger {
	return &httpLogger{
		endpoint: endpoint,
		client:   client,
		log:      log,
		now:      time.Now,
	}
}

func (h *httpLogger) LogAction(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) error {
	entry := Entry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		OccurredAt:   h.now().UTC(),
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to encode audit entry").
			Mark(ierr.ErrSystem)
	}

	headers := map[string]string{}
	if requestID := types.GetRequestID(ctx); requestID != "" {
		headers[types.HeaderRequestID] = requestID
	}

	_, err = h.client.Send(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     h.endpoint,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		h.log.Errorw("failed to deliver audit entry",
			"action", action,
			"resource_id", resourceID,
			"error", err,
		)
		return ierr.WithError(err).
			WithHint("Failed to record the audit entry").
			Mark(ierr.ErrHTTPClient)
	}
	return nil
}
