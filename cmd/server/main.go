package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/api"
	v1 "github.com/flexprice/billing-lifecycle/internal/api/v1"
	"github.com/flexprice/billing-lifecycle/internal/audit"
	"github.com/flexprice/billing-lifecycle/internal/cache"
	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	"github.com/flexprice/billing-lifecycle/internal/integration/stripe"
	"github.com/flexprice/billing-lifecycle/internal/locker"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/postgres"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/repository"
	"github.com/flexprice/billing-lifecycle/internal/retry"
	"github.com/flexprice/billing-lifecycle/internal/sentry"
	"github.com/flexprice/billing-lifecycle/internal/service"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

func init() {
	// Set UTC timezone for the entire application
	time.Local = time.UTC
}

func main() {
	var opts []fx.Option

	// Core dependencies
	opts = append(opts,
		fx.Provide(
			// Config
			config.NewConfig,

			// Logger
			logger.NewLogger,

			// Cache
			cache.NewInMemoryCache,

			// Postgres
			postgres.NewDB,
			provideDBClient,

			// Repositories
			repository.NewSubscriptionRepository,
			repository.NewPaymentAttemptRepository,
			repository.NewWebhookEventRepository,

			// Payment provider
			fx.Annotate(stripe.NewGateway, fx.As(new(provider.Gateway))),
			fx.Annotate(stripe.NewEventDecoder, fx.As(new(provider.EventDecoder))),

			// Engine
			provideTierRegistry,
			provideRetryExecutor,
			locker.New,
			audit.NewLogger,
		),
	)

	// Monitoring
	opts = append(opts, sentry.Module())

	// Service layer
	opts = append(opts,
		fx.Provide(
			service.NewServiceParams,
			service.NewSubscriptionService,
			service.NewProrationService,
			service.NewWebhookService,
			service.NewAdminService,
		),
	)

	// API
	opts = append(opts,
		fx.Provide(
			provideHandlers,
			provideRouter,
		),
		fx.Invoke(
			startServer,
		),
	)

	app := fx.New(opts...)
	app.Run()
}

// provideDBClient wraps the pool with Sentry spans for transactions
func provideDBClient(db *postgres.DB, sentryService *sentry.Service, log *logger.Logger) postgres.IClient {
	return postgres.NewSentryClient(db, sentryService, log)
}

func provideTierRegistry(cfg *config.Configuration) (*tier.Registry, error) {
	catalog, err := tier.NewCatalogFromConfig(cfg.Billing)
	if err != nil {
		return nil, err
	}
	return tier.NewRegistry(catalog), nil
}

func provideRetryExecutor(cfg *config.Configuration, log *logger.Logger) *retry.Executor {
	return retry.NewExecutor(retry.PolicyFromConfig(cfg.Billing.Retry), log)
}

func provideHandlers(
	logger *logger.Logger,
	decoder provider.EventDecoder,
	subscriptionService service.SubscriptionService,
	prorationService service.ProrationService,
	webhookService service.WebhookService,
	adminService service.AdminService,
) api.Handlers {
	return api.Handlers{
		Health:       v1.NewHealthHandler(),
		Subscription: v1.NewSubscriptionHandler(subscriptionService, prorationService, logger),
		Webhook:      v1.NewWebhookHandler(webhookService, decoder, logger),
		Admin:        v1.NewAdminHandler(adminService, logger),
	}
}

func provideRouter(handlers api.Handlers, cfg *config.Configuration) *gin.Engine {
	return api.NewRouter(handlers, cfg)
}

func startServer(
	lc fx.Lifecycle,
	cfg *config.Configuration,
	r *gin.Engine,
	db *postgres.DB,
	log *logger.Logger,
) {
	mode := cfg.Deployment.Mode
	if mode == "" {
		mode = types.ModeLocal
	}

	switch mode {
	case types.ModeLocal, types.ModeAPI:
		startAPIServer(lc, r, cfg, log)
	default:
		log.Fatalf("Unknown deployment mode: %s", mode)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			db.Close()
			return nil
		},
	})
}

func startAPIServer(
	lc fx.Lifecycle,
	r *gin.Engine,
	cfg *config.Configuration,
	log *logger.Logger,
) {
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Registering API server start hook")
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("Starting API server...", "address", cfg.Server.Address)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatalf("Failed to start server: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Shutting down server...")
			return srv.Shutdown(ctx)
		},
	})
}
