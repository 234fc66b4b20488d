package service

import (
	"time"

	"github.com/flexprice/billing-lifecycle/internal/audit"
	"github.com/flexprice/billing-lifecycle/internal/cache"
	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	"github.com/flexprice/billing-lifecycle/internal/domain/webhookevent"
	"github.com/flexprice/billing-lifecycle/internal/locker"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/postgres"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/sentry"
)

// ServiceParams holds common dependencies for services
type ServiceParams struct {
	Logger *logger.Logger
	Config *config.Configuration
	DB     postgres.IClient

	// Repositories
	SubRepo          subscription.Repository
	PaymentRepo      payment.Repository
	WebhookEventRepo webhookevent.Repository

	// Payment provider
	Gateway provider.Gateway
	Decoder provider.EventDecoder

	Tiers  *tier.Registry
	Retry  *retry.Executor
	Locker *locker.KeyedLocker
	Cache  cache.Cache
	Audit  audit.Logger
	Sentry *sentry.Service

	// Now stamps every write, defaults to the UTC wall clock
	Now func() time.Time
}

// NewServiceParams creates a new ServiceParams instance
func NewServiceParams(
	logger *logger.Logger,
	config *config.Configuration,
	db postgres.IClient,
	subRepo subscription.Repository,
	paymentRepo payment.Repository,
	webhookEventRepo webhookevent.Repository,
	gateway provider.Gateway,
	decoder provider.EventDecoder,
	tiers *tier.Registry,
	retryExecutor *retry.Executor,
	keyedLocker *locker.KeyedLocker,
	previewCache cache.Cache,
	auditLogger audit.Logger,
	sentryService *sentry.Service,
) ServiceParams {
	return ServiceParams{
		Logger:           logger,
		Config:           config,
		DB:               db,
		SubRepo:          subRepo,
		PaymentRepo:      paymentRepo,
		WebhookEventRepo: webhookEventRepo,
		Gateway:          gateway,
		Decoder:          decoder,
		Tiers:            tiers,
		Retry:            retryExecutor,
		Locker:           keyedLocker,
		Cache:            previewCache,
		Audit:            auditLogger,
		Sentry:           sentryService,
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

func (p ServiceParams) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

func (p ServiceParams) catalog() *tier.Catalog {
	return p.Tiers.Catalog()
}
