package testutil

import (
	"context"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/cache"
	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	"github.com/flexprice/billing-lifecycle/internal/locker"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/sentry"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/stretchr/testify/suite"
)

// TestWebhookSecret signs the webhook payloads built in tests
const TestWebhookSecret = "whsec_test_secret"

// Stores holds the in-memory repositories for testing
type Stores struct {
	SubscriptionRepo *InMemorySubscriptionStore
	PaymentRepo      *InMemoryPaymentAttemptStore
	WebhookEventRepo *InMemoryWebhookEventStore
}

// BaseServiceTestSuite provides common functionality for all service test suites
type BaseServiceTestSuite struct {
	suite.Suite
	ctx     context.Context
	stores  Stores
	db      *MockPostgresClient
	logger  *logger.Logger
	config  *config.Configuration
	now     time.Time
	gateway *FakeGateway
	timers  *ImmediateTimers
	retry   *retry.Executor
	tiers   *tier.Registry
	locker  *locker.KeyedLocker
	cache   cache.Cache
	audit   *AuditRecorder
	sentry  *sentry.Service
}

// SetupSuite is called once before running the tests in the suite
func (s *BaseServiceTestSuite) SetupSuite() {
	s.config = config.GetDefaultConfig()
	s.config.Logging.Level = types.LogLevelInfo
	s.config.Stripe.WebhookSecret = TestWebhookSecret
	s.logger = logger.NewNoop()
}

// SetupTest is called before each test
func (s *BaseServiceTestSuite) SetupTest() {
	s.ctx = SetupContext()
	s.now = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	s.setupStores()

	catalog, err := tier.NewCatalogFromConfig(s.config.Billing)
	s.Require().NoError(err)
	s.tiers = tier.NewRegistry(catalog)

	s.timers = NewImmediateTimers()
	s.retry = retry.NewExecutor(retry.PolicyFromConfig(s.config.Billing.Retry), s.logger,
		retry.WithTimerFactory(s.timers.Factory()))
	s.gateway = NewFakeGateway(s.GetNow)
	s.locker = locker.New()
	s.cache = cache.NewInMemoryCache(s.config)
	s.audit = NewAuditRecorder()
	s.sentry = sentry.NewSentryService(s.config, s.logger)
}

// TearDownTest is called after each test
func (s *BaseServiceTestSuite) TearDownTest() {
	s.clearStores()
}

func (s *BaseServiceTestSuite) setupStores() {
	s.stores = Stores{
		SubscriptionRepo: NewInMemorySubscriptionStore(),
		PaymentRepo:      NewInMemoryPaymentAttemptStore(),
		WebhookEventRepo: NewInMemoryWebhookEventStore(),
	}
	s.db = NewMockPostgresClient()
}

func (s *BaseServiceTestSuite) clearStores() {
	s.stores.SubscriptionRepo.Clear()
	s.stores.PaymentRepo.Clear()
	s.stores.WebhookEventRepo.Clear()
}

func (s *BaseServiceTestSuite) ClearStores() {
	s.clearStores()
}

// GetContext returns the test context
func (s *BaseServiceTestSuite) GetContext() context.Context {
	return s.ctx
}

// GetConfig returns the test configuration
func (s *BaseServiceTestSuite) GetConfig() *config.Configuration {
	return s.config
}

// GetStores returns all test repositories
func (s *BaseServiceTestSuite) GetStores() Stores {
	return s.stores
}

// GetDB returns the test database client
func (s *BaseServiceTestSuite) GetDB() *MockPostgresClient {
	return s.db
}

// GetLogger returns the test logger
func (s *BaseServiceTestSuite) GetLogger() *logger.Logger {
	return s.logger
}

// GetNow returns the current test time
func (s *BaseServiceTestSuite) GetNow() time.Time {
	return s.now.UTC()
}

// AdvanceClock moves the test clock forward
func (s *BaseServiceTestSuite) AdvanceClock(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *BaseServiceTestSuite) GetGateway() *FakeGateway {
	return s.gateway
}

func (s *BaseServiceTestSuite) GetTimers() *ImmediateTimers {
	return s.timers
}

func (s *BaseServiceTestSuite) GetRetryExecutor() *retry.Executor {
	return s.retry
}

func (s *BaseServiceTestSuite) GetTiers() *tier.Registry {
	return s.tiers
}

func (s *BaseServiceTestSuite) GetLocker() *locker.KeyedLocker {
	return s.locker
}

func (s *BaseServiceTestSuite) GetCache() cache.Cache {
	return s.cache
}

func (s *BaseServiceTestSuite) GetAudit() *AuditRecorder {
	return s.audit
}

func (s *BaseServiceTestSuite) GetSentry() *sentry.Service {
	return s.sentry
}

// GetUUID returns a new UUID string
func (s *BaseServiceTestSuite) GetUUID() string {
	return types.GenerateUUID()
}
