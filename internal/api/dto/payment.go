package dto

import (
	"github.com/flexprice/billing-lifecycle/internal/domain/payment"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/validator"
	"github.com/shopspring/decimal"
)

// RefundRequest returns money for one provider charge or payment intent
type RefundRequest struct {
	SubscriberID      string          `json:"subscriber_id" validate:"required"`
	ProviderPaymentID string          `json:"provider_payment_id" validate:"required"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency" validate:"omitempty,len=3"`
	Reason            string          `json:"reason" validate:"required,max=500"`
}

func (r *RefundRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return ierr.NewError("refund amount must be positive").
			WithHint("Refund amount must be greater than zero").
			WithReportableDetails(map[string]any{
				"amount": r.Amount.String(),
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

type RefundResponse struct {
	RefundID       string           `json:"refund_id"`
	PaymentAttempt *payment.Attempt `json:"payment_attempt"`
}
