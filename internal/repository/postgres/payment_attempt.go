package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/postgres"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const paymentAttemptColumns = `id, subscriber_id, subscription_id, provider_invoice_id, amount, currency,
	status, description, failure_code, created_at`

type paymentAttemptRow struct {
	ID                string          `db:"id"`
	SubscriberID      string          `db:"subscriber_id"`
	SubscriptionID    string          `db:"subscription_id"`
	ProviderInvoiceID sql.NullString  `db:"provider_invoice_id"`
	Amount            decimal.Decimal `db:"amount"`
	Currency          string          `db:"currency"`
	Status            string          `db:"status"`
	Description       string          `db:"description"`
	FailureCode       string          `db:"failure_code"`
	CreatedAt         time.Time       `db:"created_at"`
}

func (row *paymentAttemptRow) toDomain() *payment.Attempt {
	return &payment.Attempt{
		ID:                row.ID,
		SubscriberID:      row.SubscriberID,
		SubscriptionID:    row.SubscriptionID,
		ProviderInvoiceID: row.ProviderInvoiceID.String,
		Amount:            row.Amount,
		Currency:          row.Currency,
		Status:            types.PaymentAttemptStatus(row.Status),
		Description:       row.Description,
		FailureCode:       row.FailureCode,
		CreatedAt:         row.CreatedAt,
	}
}

type paymentAttemptRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewPaymentAttemptRepository(db *postgres.DB, logger *logger.Logger) payment.Repository {
	return &paymentAttemptRepository{db: db, logger: logger}
}

func (r *paymentAttemptRepository) Create(ctx context.Context, a *payment.Attempt) error {
	query := `
		INSERT INTO payment_attempts (` + paymentAttemptColumns + `) VALUES (
			:id, :subscriber_id, :subscription_id, :provider_invoice_id, :amount, :currency,
			:status, :description, :failure_code, :created_at
		)`

	row := &paymentAttemptRow{
		ID:                a.ID,
		SubscriberID:      a.SubscriberID,
		SubscriptionID:    a.SubscriptionID,
		ProviderInvoiceID: sql.NullString{String: a.ProviderInvoiceID, Valid: a.ProviderInvoiceID != ""},
		Amount:            a.Amount,
		Currency:          a.Currency,
		Status:            string(a.Status),
		Description:       a.Description,
		FailureCode:       a.FailureCode,
		CreatedAt:         a.CreatedAt,
	}

	r.logger.Debugw("recording payment attempt",
		"attempt_id", a.ID,
		"subscriber_id", a.SubscriberID,
		"status", a.Status,
		"amount", a.Amount.String(),
	)

	if _, err := r.db.GetQuerier(ctx).NamedExecContext(ctx, query, row); err != nil {
		if _, ok := postgres.IsUniqueViolation(err); ok {
			return ierr.WithError(err).
				WithHint("Payment attempt already recorded").
				Mark(ierr.ErrAlreadyExists)
		}
		return ierr.WithError(err).
			WithHint("Failed to record payment attempt").
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *paymentAttemptRepository) Get(ctx context.Context, id string) (*payment.Attempt, error) {
	var row paymentAttemptRow
	query := `SELECT ` + paymentAttemptColumns + ` FROM payment_attempts WHERE id = $1`
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &row, query, id); err != nil {
		if postgres.IsNoRows(err) {
			return nil, ierr.WithError(err).
				WithHintf("Payment attempt %s not found", id).
				Mark(ierr.ErrNotFound)
		}
		return nil, ierr.WithError(err).
			WithHint("Failed to get payment attempt").
			Mark(ierr.ErrDatabase)
	}
	return row.toDomain(), nil
}

// paymentAttemptWhere builds the WHERE clause shared by List and Count
func paymentAttemptWhere(filter *types.PaymentAttemptFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter == nil {
		return "", nil
	}
	if filter.SubscriberID != "" {
		args = append(args, filter.SubscriberID)
		conds = append(conds, fmt.Sprintf("subscriber_id = $%d", len(args)))
	}
	if filter.ProviderInvoiceID != "" {
		args = append(args, filter.ProviderInvoiceID)
		conds = append(conds, fmt.Sprintf("provider_invoice_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		args = append(args, pq.Array(lo.Map(filter.Status, func(s types.PaymentAttemptStatus, _ int) string {
			return string(s)
		})))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *paymentAttemptRepository) List(ctx context.Context, filter *types.PaymentAttemptFilter) ([]*payment.Attempt, error) {
	where, args := paymentAttemptWhere(filter)
	var qf *types.QueryFilter
	if filter != nil {
		qf = filter.QueryFilter
	}
	args = append(args, qf.GetLimit(), qf.GetOffset())
	query := fmt.Sprintf(`SELECT %s FROM payment_attempts%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		paymentAttemptColumns, where, len(args)-1, len(args))

	var rows []paymentAttemptRow
	if err := r.db.GetQuerier(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list payment attempts").
			Mark(ierr.ErrDatabase)
	}
	return lo.Map(rows, func(row paymentAttemptRow, _ int) *payment.Attempt {
		return row.toDomain()
	}), nil
}

func (r *paymentAttemptRepository) Count(ctx context.Context, filter *types.PaymentAttemptFilter) (int, error) {
	where, args := paymentAttemptWhere(filter)
	var count int
	if err := r.db.GetQuerier(ctx).GetContext(ctx, &count, `SELECT COUNT(*) FROM payment_attempts`+where, args...); err != nil {
		return 0, ierr.WithError(err).
			WithHint("Failed to count payment attempts").
			Mark(ierr.ErrDatabase)
	}
	return count, nil
}
