package stripe

import (
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/stripe/stripe-go/v82"
)

// normalizeError converts a Stripe SDK failure into *provider.Error.
// Transport failures are returned untouched so the classifier sees the net error.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if !ierr.As(err, &stripeErr) {
		return err
	}
	return &provider.Error{
		Type:        string(stripeErr.Type),
		Code:        string(stripeErr.Code),
		DeclineCode: string(stripeErr.DeclineCode),
		Param:       stripeErr.Param,
		HTTPStatus:  stripeErr.HTTPStatusCode,
		Message:     stripeErr.Msg,
		RequestID:   stripeErr.RequestID,
		Err:         stripeErr,
	}
}
