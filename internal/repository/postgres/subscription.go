package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/domain/subscription"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/postgres"
	"github.com/flexprice/billing-lifecycle/internal/types"
)

const subscriptionColumns = `id, subscriber_id, provider_customer_id, provider_subscription_id,
	provider_subscription_item_id, provider_price_id, tier, billing_interval, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	pending_tier, pending_interval, pending_effective_at, pending_schedule_id, pending_price_id,
	version, created_at, updated_at`

type subscriptionRow struct {
	ID                         string         `db:"id"`
	SubscriberID               string         `db:"subscriber_id"`
	ProviderCustomerID         string         `db:"provider_customer_id"`
	ProviderSubscriptionID     string         `db:"provider_subscription_id"`
	ProviderSubscriptionItemID string         `db:"provider_subscription_item_id"`
	ProviderPriceID            string         `db:"provider_price_id"`
	Tier                       string         `db:"tier"`
	Interval                   string         `db:"billing_interval"`
	Status                     string         `db:"status"`
	CurrentPeriodStart         sql.NullTime   `db:"current_period_start"`
	CurrentPeriodEnd           sql.NullTime   `db:"current_period_end"`
	CancelAtPeriodEnd          bool           `db:"cancel_at_period_end"`
	CanceledAt                 sql.NullTime   `db:"canceled_at"`
	PendingTier                sql.NullString `db:"pending_tier"`
	PendingInterval            sql.NullString `db:"pending_interval"`
	PendingEffectiveAt         sql.NullTime   `db:"pending_effective_at"`
	PendingScheduleID          sql.NullString `db:"pending_schedule_id"`
	PendingPriceID             sql.NullString `db:"pending_price_id"`
	Version                    int            `db:"version"`
	CreatedAt                  time.Time      `db:"created_at"`
	UpdatedAt                  time.Time      `db:"updated_at"`
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func toSubscriptionRow(s *subscription.Subscription) *subscriptionRow {
	row := &subscriptionRow{
		ID:                         s.ID,
		SubscriberID:               s.SubscriberID,
		ProviderCustomerID:         s.ProviderCustomerID,
		ProviderSubscriptionID:     s.ProviderSubscriptionID,
		ProviderSubscriptionItemID: s.ProviderSubscriptionItemID,
		ProviderPriceID:            s.ProviderPriceID,
		Tier:                       s.Tier,
		Interval:                   string(s.Interval),
		Status:                     string(s.Status),
		CurrentPeriodStart:         nullTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:           nullTime(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:          s.CancelAtPeriodEnd,
		CanceledAt:                 nullTimePtr(s.CanceledAt),
		Version:                    s.Version,
		CreatedAt:                  s.CreatedAt,
		UpdatedAt:                  s.UpdatedAt,
	}
	if p := s.PendingTierChange; p != nil {
		row.PendingTier = sql.NullString{String: p.Tier, Valid: true}
		row.PendingInterval = sql.NullString{String: string(p.Interval), Valid: true}
		row.PendingEffectiveAt = nullTime(p.EffectiveAt)
		row.PendingScheduleID = sql.NullString{String: p.ProviderScheduleID, Valid: true}
		row.PendingPriceID = sql.NullString{String: p.ProviderPriceID, Valid: true}
	}
	return row
}

func (row *subscriptionRow) toDomain() *subscription.Subscription {
	s := &subscription.Subscription{
		ID:                         row.ID,
		SubscriberID:               row.SubscriberID,
		ProviderCustomerID:         row.ProviderCustomerID,
		ProviderSubscriptionID:     row.ProviderSubscriptionID,
		ProviderSubscriptionItemID: row.ProviderSubscriptionItemID,
		ProviderPriceID:            row.ProviderPriceID,
		Tier:                       row.Tier,
		Interval:                   types.BillingInterval(row.Interval),
		Status:                     types.SubscriptionStatus(row.Status),
		CurrentPeriodStart:         row.CurrentPeriodStart.Time,
		CurrentPeriodEnd:           row.CurrentPeriodEnd.Time,
		CancelAtPeriodEnd:          row.CancelAtPeriodEnd,
		CanceledAt:                 timePtr(row.CanceledAt),
		Version:                    row.Version,
		CreatedAt:                  row.CreatedAt,
		UpdatedAt:                  row.UpdatedAt,
	}
	if row.PendingTier.Valid {
		s.PendingTierChange = &subscription.PendingTierChange{
			Tier:               row.PendingTier.String,
			Interval:           types.BillingInterval(row.PendingInterval.String),
			EffectiveAt:        row.PendingEffectiveAt.Time,
			ProviderScheduleID: row.PendingScheduleID.String,
			ProviderPriceID:    row.PendingPriceID.String,
		}
	}
	return s
}

type subscriptionRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewSubscriptionRepository(db *postgres.DB, logger *logger.Logger) subscription.Repository {
	return &subscriptionRepository{db: db, logger: logger}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `) VALUES (
			:id, :subscriber_id, :provider_customer_id, :provider_subscription_id,
			:provider_subscription_item_id, :provider_price_id, :tier, :billing_interval, :status,
			:current_period_start, :current_period_end, :cancel_at_period_end, :canceled_at,
			:pending_tier, :pending_interval, :pending_effective_at, :pending_schedule_id, :pending_price_id,
			:version, :created_at, :updated_at
		)`

	r.logger.Debugw("creating subscription",
		"subscription_id", sub.ID,
		"subscriber_id", sub.SubscriberID,
	)

	if _, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, toSubscriptionRow(sub)); err != nil {
		if constraint, ok := postgres.IsUniqueViolation(err); ok {
			return ierr.WithError(err).
				WithHint("Subscriber already has a live subscription").
				WithReportableDetails(map[string]any{
					"subscriber_id": sub.SubscriberID,
					"constraint":    constraint,
				}).
				Mark(ierr.ErrAlreadyExists)
		}
		return ierr.WithError(err).
			WithHint("Failed to create subscription").
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *subscriptionRepository) getOne(ctx context.Context, where string, arg any) (*subscription.Subscription, error) {
	var row subscriptionRow
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where + ` LIMIT 1`
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &row, query, arg); err != nil {
		if postgres.IsNoRows(err) {
			return nil, ierr.WithError(err).
				WithHint("Subscription not found").
				WithReportableDetails(map[string]any{"lookup": arg}).
				Mark(ierr.ErrNotFound)
		}
		return nil, ierr.WithError(err).
			WithHint("Failed to get subscription").
			Mark(ierr.ErrDatabase)
	}
	return row.toDomain(), nil
}

func (r *subscriptionRepository) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *subscriptionRepository) GetLiveBySubscriber(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	return r.getOne(ctx, `subscriber_id = $1 AND status IN ('trialing', 'active', 'past_due', 'incomplete')`, subscriberID)
}

func (r *subscriptionRepository) GetLatestBySubscriber(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	return r.getOne(ctx, `subscriber_id = $1
		ORDER BY (status IN ('trialing', 'active', 'past_due', 'incomplete')) DESC, updated_at DESC`, subscriberID)
}

func (r *subscriptionRepository) GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, ierr.NewError("provider subscription id is required").
			Mark(ierr.ErrNotFound)
	}
	return r.getOne(ctx, `provider_subscription_id = $1`, providerSubscriptionID)
}

func (r *subscriptionRepository) ListBySubscriber(ctx context.Context, subscriberID string) ([]*subscription.Subscription, error) {
	var rows []subscriptionRow
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscriber_id = $1 ORDER BY created_at DESC`
	if err := r.db.GetQuerier(ctx).SelectContext(ctx, &rows, query, subscriberID); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list subscriptions").
			Mark(ierr.ErrDatabase)
	}
	subs := make([]*subscription.Subscription, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].toDomain())
	}
	return subs, nil
}

func (r *subscriptionRepository) Update(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		UPDATE subscriptions SET
			provider_subscription_id = :provider_subscription_id,
			provider_subscription_item_id = :provider_subscription_item_id,
			provider_price_id = :provider_price_id,
			tier = :tier,
			billing_interval = :billing_interval,
			status = :status,
			current_period_start = :current_period_start,
			current_period_end = :current_period_end,
			cancel_at_period_end = :cancel_at_period_end,
			canceled_at = :canceled_at,
			pending_tier = :pending_tier,
			pending_interval = :pending_interval,
			pending_effective_at = :pending_effective_at,
			pending_schedule_id = :pending_schedule_id,
			pending_price_id = :pending_price_id,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version`

	r.logger.Debugw("updating subscription",
		"subscription_id", sub.ID,
		"version", sub.Version,
		"status", sub.Status,
	)

	result, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, toSubscriptionRow(sub))
	if err != nil {
		if constraint, ok := postgres.IsUniqueViolation(err); ok {
			return ierr.WithError(err).
				WithHint("Subscriber already has a live subscription").
				WithReportableDetails(map[string]any{"constraint": constraint}).
				Mark(ierr.ErrAlreadyExists)
		}
		return ierr.WithError(err).
			WithHint("Failed to update subscription").
			Mark(ierr.ErrDatabase)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to update subscription").
			Mark(ierr.ErrDatabase)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, sub.ID); err != nil {
			return err
		}
		return ierr.NewErrorf("subscription %s changed since version %d", sub.ID, sub.Version).
			WithHint("The subscription was modified concurrently, please retry").
			WithReportableDetails(map[string]any{
				"subscription_id": sub.ID,
				"version":         sub.Version,
			}).
			Mark(ierr.ErrVersionConflict)
	}

	sub.Version++
	return nil
}
