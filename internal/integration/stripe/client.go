// Package stripe implements the provider boundary on top of the Stripe API.
package stripe

import (
	"net/http"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/stripe/stripe-go/v82"
)

const defaultRequestTimeout = 30 * time.Second

// Metadata keys written on the objects the engine creates
const (
	metadataTierID       = "tier_id"
	metadataInterval     = "interval"
	metadataSubscriberID = "subscriber_id"
	metadataTemporary    = "temporary"
)

// Gateway talks to Stripe on behalf of the engine
type Gateway struct {
	client    *stripe.Client
	productID string
	logger    *logger.Logger
}

var _ provider.Gateway = (*Gateway)(nil)

// NewGateway builds a Stripe client with SDK retries disabled, the retry executor owns retries
func NewGateway(cfg *config.Configuration, logger *logger.Logger) *Gateway {
	return newGateway(&stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: requestTimeout(cfg)},
	}, cfg.Stripe.SecretKey, cfg.Stripe.ProductID, logger)
}

func newGateway(backendCfg *stripe.BackendConfig, secretKey, productID string, logger *logger.Logger) *Gateway {
	backendCfg.MaxNetworkRetries = stripe.Int64(0)
	backendCfg.LeveledLogger = logger
	backends := stripe.NewBackendsWithConfig(backendCfg)
	return &Gateway{
		client:    stripe.NewClient(secretKey, stripe.WithBackends(backends)),
		productID: productID,
		logger:    logger,
	}
}

func requestTimeout(cfg *config.Configuration) time.Duration {
	if cfg.Stripe.RequestTimeout > 0 {
		return cfg.Stripe.RequestTimeout
	}
	return defaultRequestTimeout
}
