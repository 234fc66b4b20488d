package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/domain/webhookevent"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/postgres"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

const webhookEventColumns = `id, provider_event_id, event_type, provider_subscription_id, processed,
	processing_attempts, last_processing_attempt, lease_expires_at, error_message, raw_payload, created_at, processed_at`

type webhookEventRow struct {
	ID                     string       `db:"id"`
	ProviderEventID        string       `db:"provider_event_id"`
	EventType              string       `db:"event_type"`
	ProviderSubscriptionID string       `db:"provider_subscription_id"`
	Processed              bool         `db:"processed"`
	ProcessingAttempts     int          `db:"processing_attempts"`
	LastProcessingAttempt  sql.NullTime `db:"last_processing_attempt"`
	LeaseExpiresAt         sql.NullTime `db:"lease_expires_at"`
	ErrorMessage           string       `db:"error_message"`
	RawPayload             string       `db:"raw_payload"`
	CreatedAt              time.Time    `db:"created_at"`
	ProcessedAt            sql.NullTime `db:"processed_at"`
}

func (row *webhookEventRow) toDomain() *webhookevent.Event {
	return &webhookevent.Event{
		ID:                     row.ID,
		ProviderEventID:        row.ProviderEventID,
		EventType:              types.WebhookEventType(row.EventType),
		ProviderSubscriptionID: row.ProviderSubscriptionID,
		Processed:              row.Processed,
		ProcessingAttempts:     row.ProcessingAttempts,
		LastProcessingAttempt:  timePtr(row.LastProcessingAttempt),
		LeaseExpiresAt:         timePtr(row.LeaseExpiresAt),
		ErrorMessage:           row.ErrorMessage,
		RawPayload:             []byte(row.RawPayload),
		CreatedAt:              row.CreatedAt,
		ProcessedAt:            timePtr(row.ProcessedAt),
	}
}

type webhookEventRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewWebhookEventRepository(db *postgres.DB, logger *logger.Logger) webhookevent.Repository {
	return &webhookEventRepository{db: db, logger: logger}
}

func (r *webhookEventRepository) Create(ctx context.Context, e *webhookevent.Event) error {
	query := `
		INSERT INTO webhook_events (` + webhookEventColumns + `) VALUES (
			:id, :provider_event_id, :event_type, :provider_subscription_id, :processed,
			:processing_attempts, :last_processing_attempt, :lease_expires_at, :error_message, :raw_payload, :created_at, :processed_at
		)`

	row := &webhookEventRow{
		ID:                     e.ID,
		ProviderEventID:        e.ProviderEventID,
		EventType:              string(e.EventType),
		ProviderSubscriptionID: e.ProviderSubscriptionID,
		Processed:              e.Processed,
		ProcessingAttempts:     e.ProcessingAttempts,
		LastProcessingAttempt:  nullTimePtr(e.LastProcessingAttempt),
		LeaseExpiresAt:         nullTimePtr(e.LeaseExpiresAt),
		ErrorMessage:           e.ErrorMessage,
		RawPayload:             string(e.RawPayload),
		CreatedAt:              e.CreatedAt,
		ProcessedAt:            nullTimePtr(e.ProcessedAt),
	}

	if _, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, row); err != nil {
		if _, ok := postgres.IsUniqueViolation(err); ok {
			return ierr.WithError(err).
				WithHint("Webhook event already received").
				WithReportableDetails(map[string]any{"provider_event_id": e.ProviderEventID}).
				Mark(ierr.ErrAlreadyExists)
		}
		return ierr.WithError(err).
			WithHint("Failed to store webhook event").
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *webhookEventRepository) getOne(ctx context.Context, column, value string) (*webhookevent.Event, error) {
	var row webhookEventRow
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE ` + column + ` = $1`
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &row, query, value); err != nil {
		if postgres.IsNoRows(err) {
			return nil, ierr.WithError(err).
				WithHintf("Webhook event %s not found", value).
				Mark(ierr.ErrNotFound)
		}
		return nil, ierr.WithError(err).
			WithHint("Failed to get webhook event").
			Mark(ierr.ErrDatabase)
	}
	return row.toDomain(), nil
}

func (r *webhookEventRepository) Get(ctx context.Context, id string) (*webhookevent.Event, error) {
	return r.getOne(ctx, "id", id)
}

func (r *webhookEventRepository) GetByProviderEventID(ctx context.Context, providerEventID string) (*webhookevent.Event, error) {
	return r.getOne(ctx, "provider_event_id", providerEventID)
}

func (r *webhookEventRepository) Claim(ctx context.Context, id string, expectedAttempts int, at, leaseUntil time.Time) error {
	query := `
		UPDATE webhook_events
		SET processing_attempts = processing_attempts + 1, last_processing_attempt = $3, lease_expires_at = $4
		WHERE id = $1 AND processing_attempts = $2 AND processed = FALSE
			AND (lease_expires_at IS NULL OR lease_expires_at <= $3)`

	result, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, id, expectedAttempts, at, leaseUntil)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to claim webhook event").
			Mark(ierr.ErrDatabase)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to claim webhook event").
			Mark(ierr.ErrDatabase)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ierr.NewErrorf("webhook event %s already claimed", id).
			WithHint("Webhook event is being processed elsewhere").
			WithReportableDetails(map[string]any{
				"event_id":          id,
				"expected_attempts": expectedAttempts,
			}).
			Mark(ierr.ErrVersionConflict)
	}
	return nil
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $2, error_message = '', lease_expires_at = NULL
		WHERE id = $1`
	return r.exec(ctx, id, "Failed to mark webhook event processed", query, id, at)
}

func (r *webhookEventRepository) MarkFailed(ctx context.Context, id string, message string) error {
	query := `
		UPDATE webhook_events
		SET error_message = $2, lease_expires_at = NULL
		WHERE id = $1 AND processed = FALSE`
	if _, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, id, message); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to record webhook event failure").
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *webhookEventRepository) exec(ctx context.Context, id, hint, query string, args ...any) error {
	result, err := r.db.GetQuerier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return ierr.WithError(err).
			WithHint(hint).
			Mark(ierr.ErrDatabase)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ierr.NewErrorf("webhook event %s not found", id).
			WithHintf("Webhook event %s not found", id).
			Mark(ierr.ErrNotFound)
	}
	return nil
}

// webhookEventWhere builds the WHERE clause shared by List and Count
func webhookEventWhere(filter *types.WebhookEventFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter == nil {
		return "", nil
	}
	if filter.Unprocessed {
		conds = append(conds, "processed = FALSE")
	}
	if filter.MaxAttempts > 0 {
		args = append(args, filter.MaxAttempts)
		conds = append(conds, fmt.Sprintf("processing_attempts < $%d", len(args)))
	}
	if filter.MinAttempts > 0 {
		args = append(args, filter.MinAttempts)
		conds = append(conds, fmt.Sprintf("processing_attempts >= $%d", len(args)))
	}
	if len(filter.EventTypes) > 0 {
		args = append(args, pq.Array(lo.Map(filter.EventTypes, func(t types.WebhookEventType, _ int) string {
			return string(t)
		})))
		conds = append(conds, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if filter.AvailableAt != nil {
		args = append(args, *filter.AvailableAt)
		conds = append(conds, fmt.Sprintf("(lease_expires_at IS NULL OR lease_expires_at <= $%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *webhookEventRepository) List(ctx context.Context, filter *types.WebhookEventFilter) ([]*webhookevent.Event, error) {
	var qf *types.QueryFilter
	if filter != nil {
		qf = filter.QueryFilter
	}

	where, args := webhookEventWhere(filter)
	args = append(args, qf.GetLimit(), qf.GetOffset())
	query := fmt.Sprintf(`SELECT %s FROM webhook_events%s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		webhookEventColumns, where, len(args)-1, len(args))

	var rows []webhookEventRow
	if err := r.db.GetQuerier(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list webhook events").
			Mark(ierr.ErrDatabase)
	}
	return lo.Map(rows, func(row webhookEventRow, _ int) *webhookevent.Event {
		return row.toDomain()
	}), nil
}

func (r *webhookEventRepository) Count(ctx context.Context, filter *types.WebhookEventFilter) (int, error) {
	where, args := webhookEventWhere(filter)
	var count int
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &count, `SELECT COUNT(*) FROM webhook_events`+where, args...); err != nil {
		return 0, ierr.WithError(err).
			WithHint("Failed to count webhook events").
			Mark(ierr.ErrDatabase)
	}
	return count, nil
}
