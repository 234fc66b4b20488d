package repository

import (
	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	"github.com/flexprice/billing-lifecycle/internal/domain/webhookevent"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/postgres"
	postgresRepo "github.com/flexprice/billing-lifecycle/internal/repository/postgres"
)

func NewSubscriptionRepository(db *postgres.DB, logger *logger.Logger) subscription.Repository {
	return postgresRepo.NewSubscriptionRepository(db, logger)
}

func NewPaymentAttemptRepository(db *postgres.DB, logger *logger.Logger) payment.Repository {
	return postgresRepo.NewPaymentAttemptRepository(db, logger)
}

func NewWebhookEventRepository(db *postgres.DB, logger *logger.Logger) webhookevent.Repository {
	return postgresRepo.NewWebhookEventRepository(db, logger)
}
