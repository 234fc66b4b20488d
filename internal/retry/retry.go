// Package retry runs provider operations under exponential backoff, retrying only
// failures the classifier marks as retryable.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/paymenterror"
)

// Policy bounds a retried invocation
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// AttemptTimeout bounds each single invocation, zero disables it
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.AttemptTimeout > 0 {
		p.AttemptTimeout = cfg.AttemptTimeout
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Meta describes an invocation for logging
type Meta struct {
	Operation    string
	SubscriberID string
	ResourceID   string
}

func (m Meta) fields() []any {
	fields := []any{"operation", m.Operation}
	if m.SubscriberID != "" {
		fields = append(fields, "subscriber_id", m.SubscriberID)
	}
	if m.ResourceID != "" {
		fields = append(fields, "resource_id", m.ResourceID)
	}
	return fields
}

// TimerFactory creates the timer used for one invocation's backoff waits
type TimerFactory func() backoff.Timer

type Option func(*Executor)

func WithTimerFactory(f TimerFactory) Option {
	return func(e *Executor) {
		e.newTimer = f
	}
}

// Executor is safe for concurrent use. Invocations share no state.
type Executor struct {
	policy   Policy
	logger   *logger.Logger
	newTimer TimerFactory
}

func NewExecutor(policy Policy, logger *logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		policy: policy,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute invokes op until it succeeds, fails with a non-retryable
// classification, or the attempt ceiling is reached. The returned error is
// classified and still unwraps to the error op returned last.
func (e *Executor) Execute(ctx context.Context, meta Meta, op func(ctx context.Context) error) error {
	var (
		attempts int
		lastErr  error
		details  paymenterror.Details
	)

	operation := func() error {
		attempts++
		err := e.invoke(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err
		details = paymenterror.Classify(err)
		if !details.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Warnw("retrying provider operation",
			append(meta.fields(),
				"attempt", attempts,
				"code", string(details.Code),
				"wait", wait.String(),
				"error", err.Error(),
			)...)
	}

	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, e.policy.backOff(ctx), notify, timer)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		// canceled before the first attempt completed
		lastErr = err
		details = paymenterror.Classify(err)
	}

	e.logger.Errorw("provider operation failed",
		append(meta.fields(),
			"attempts", attempts,
			"code", string(details.Code),
			"recommended_action", string(details.RecommendedAction),
			"error", lastErr.Error(),
		)...)

	return paymenterror.Wrap(meta.Operation, lastErr)
}

func (e *Executor) invoke(ctx context.Context, op func(ctx context.Context) error) error {
	if e.policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}

// Do is Execute for operations that produce a value
func Do[T any](ctx context.Context, e *Executor, meta Meta, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, meta, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
