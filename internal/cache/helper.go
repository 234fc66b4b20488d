package cache

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// StartCacheSpan opens a span for one cache lookup or write. It returns nil
// when the context carries no Sentry hub.
func StartCacheSpan(ctx context.Context, name, operation string, params map[string]interface{}) *sentry.Span {
	if sentry.GetHubFromContext(ctx) == nil {
		return nil
	}

	description := "cache." + name + "." + operation
	span := sentry.StartSpan(ctx, description)
	span.Description = description
	span.Op = "cache." + operation
	span.SetData("cache.name", name)
	for k, v := range params {
		span.SetData(k, v)
	}
	return span
}

// FinishSpan finishes a span, nil spans are ignored
func FinishSpan(span *sentry.Span) {
	if span != nil {
		span.Finish()
	}
}

// SetSpanSuccess marks a span as a hit or a completed write
func SetSpanSuccess(span *sentry.Span) {
	if span != nil {
		span.Status = sentry.SpanStatusOK
	}
}
