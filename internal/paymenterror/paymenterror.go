// Package paymenterror classifies payment failures into a closed taxonomy with a
// recommended action. Classification is total: every input resolves to a value.
package paymenterror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/provider"
)

type Code string

const (
	CodeCardDeclined             Code = "CARD_DECLINED"
	CodeInsufficientFunds        Code = "INSUFFICIENT_FUNDS"
	CodeExpiredCard              Code = "EXPIRED_CARD"
	CodeIncorrectCVC             Code = "INCORRECT_CVC"
	CodeProcessingError          Code = "PROCESSING_ERROR"
	CodeRateLimit                Code = "RATE_LIMIT"
	CodeAuthenticationError      Code = "AUTHENTICATION_ERROR"
	CodeCustomerNotFound         Code = "CUSTOMER_NOT_FOUND"
	CodeSubscriptionNotFound     Code = "SUBSCRIPTION_NOT_FOUND"
	CodeInvoiceNotFound          Code = "INVOICE_NOT_FOUND"
	CodePaymentMethodUnactivated Code = "PAYMENT_METHOD_UNACTIVATED"
	CodeAuthenticationFailure    Code = "AUTHENTICATION_FAILURE"
	CodeNetworkError             Code = "NETWORK_ERROR"
	CodeTimeoutError             Code = "TIMEOUT_ERROR"
	CodeUnknown                  Code = "UNKNOWN"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Action string

const (
	ActionRetry               Action = "retry"
	ActionUpdatePaymentMethod Action = "update_payment_method"
	ActionContactSupport      Action = "contact_support"
)

// Details is the classified form of a payment failure
type Details struct {
	Code              Code     `json:"code"`
	Severity          Severity `json:"severity"`
	RecommendedAction Action   `json:"recommended_action"`
	UserMessage       string   `json:"user_message"`
	// ProviderCode is the raw provider code when one was reported
	ProviderCode string `json:"provider_code,omitempty"`
}

func (d Details) Retryable() bool {
	return d.RecommendedAction == ActionRetry
}

type rule struct {
	severity Severity
	action   Action
	message  string
}

var rules = map[Code]rule{
	CodeRateLimit:                {SeverityWarning, ActionRetry, "The payment service is busy. Please try again shortly."},
	CodeProcessingError:          {SeverityWarning, ActionRetry, "We could not process the payment. Please try again."},
	CodeNetworkError:             {SeverityWarning, ActionRetry, "We could not reach the payment service. Please try again."},
	CodeTimeoutError:             {SeverityWarning, ActionRetry, "The payment service took too long to respond. Please try again."},
	CodeIncorrectCVC:             {SeverityWarning, ActionRetry, "The security code is incorrect. Please check it and try again."},
	CodeAuthenticationFailure:    {SeverityWarning, ActionRetry, "The payment needs additional authentication. Please try again."},
	CodeCardDeclined:             {SeverityError, ActionUpdatePaymentMethod, "Your card was declined. Please use a different payment method."},
	CodeInsufficientFunds:        {SeverityError, ActionUpdatePaymentMethod, "Your card has insufficient funds. Please use a different payment method."},
	CodeExpiredCard:              {SeverityError, ActionUpdatePaymentMethod, "Your card has expired. Please update your payment method."},
	CodePaymentMethodUnactivated: {SeverityError, ActionUpdatePaymentMethod, "Your payment method is not activated. Please use a different payment method."},
	CodeAuthenticationError:      {SeverityError, ActionContactSupport, "We could not process your payment. Please contact support."},
	CodeCustomerNotFound:         {SeverityError, ActionContactSupport, "We could not find your billing account. Please contact support."},
	CodeSubscriptionNotFound:     {SeverityError, ActionContactSupport, "We could not find your subscription. Please contact support."},
	CodeInvoiceNotFound:          {SeverityError, ActionContactSupport, "We could not find the invoice. Please contact support."},
	CodeUnknown:                  {SeverityError, ActionContactSupport, "Something went wrong with your payment. Please contact support."},
}

// Codes returns the full taxonomy
func Codes() []Code {
	return []Code{
		CodeCardDeclined, CodeInsufficientFunds, CodeExpiredCard, CodeIncorrectCVC,
		CodeProcessingError, CodeRateLimit, CodeAuthenticationError, CodeCustomerNotFound,
		CodeSubscriptionNotFound, CodeInvoiceNotFound, CodePaymentMethodUnactivated,
		CodeAuthenticationFailure, CodeNetworkError, CodeTimeoutError, CodeUnknown,
	}
}

// DetailsFor returns the classification for a code. Codes outside the taxonomy map to UNKNOWN.
func DetailsFor(code Code) Details {
	r, ok := rules[code]
	if !ok {
		code = CodeUnknown
		r = rules[CodeUnknown]
	}
	return Details{
		Code:              code,
		Severity:          r.severity,
		RecommendedAction: r.action,
		UserMessage:       r.message,
	}
}

// Classify maps any error to Details
func Classify(err error) Details {
	if err == nil {
		return DetailsFor(CodeUnknown)
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Details
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		d := DetailsFor(codeForProvider(perr))
		d.ProviderCode = perr.Code
		if perr.DeclineCode != "" {
			d.ProviderCode = perr.DeclineCode
		}
		return d
	}

	return DetailsFor(codeForTransport(err))
}

func codeForProvider(e *provider.Error) Code {
	switch e.Code {
	case provider.CodeCardDeclined:
		if e.DeclineCode == provider.DeclineInsufficientFunds {
			return CodeInsufficientFunds
		}
		return CodeCardDeclined
	case provider.CodeExpiredCard:
		return CodeExpiredCard
	case provider.CodeIncorrectCVC:
		return CodeIncorrectCVC
	case provider.CodeProcessingError:
		return CodeProcessingError
	case provider.CodeRateLimit:
		return CodeRateLimit
	case provider.CodePaymentMethodUnactivated:
		return CodePaymentMethodUnactivated
	case provider.CodeAuthenticationRequired:
		return CodeAuthenticationFailure
	case provider.CodeAPIKeyExpired:
		return CodeAuthenticationError
	case provider.CodeResourceMissing:
		switch e.Param {
		case "customer":
			return CodeCustomerNotFound
		case "subscription", "subscription_item", "schedule":
			return CodeSubscriptionNotFound
		case "invoice":
			return CodeInvoiceNotFound
		}
	}

	if e.DeclineCode == provider.DeclineInsufficientFunds {
		return CodeInsufficientFunds
	}

	switch e.Type {
	case provider.TypeRateLimit:
		return CodeRateLimit
	case provider.TypeAuthentication:
		return CodeAuthenticationError
	case provider.TypeAPI:
		return CodeProcessingError
	case provider.TypeCard:
		return CodeCardDeclined
	}

	switch {
	case e.HTTPStatus == http.StatusTooManyRequests:
		return CodeRateLimit
	case e.HTTPStatus == http.StatusUnauthorized:
		return CodeAuthenticationError
	case e.HTTPStatus >= http.StatusInternalServerError:
		return CodeProcessingError
	}

	if e.Err != nil {
		return codeForTransport(e.Err)
	}
	return CodeUnknown
}

func codeForTransport(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeoutError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeoutError
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return CodeNetworkError
	}

	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || netErr != nil {
		return CodeNetworkError
	}

	return CodeUnknown
}

// Error is a classified payment failure crossing the engine boundary
type Error struct {
	Details   Details
	Operation string
	err       error
}

func (e *Error) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("payment error %s: %v", e.Details.Code, e.err)
	}
	return fmt.Sprintf("%s: payment error %s: %v", e.Operation, e.Details.Code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Wrap classifies err and returns it as a boundary error marked for the HTTP layer.
// Subscriber-fixable failures are marked ErrPaymentRequired, the rest ErrProvider.
func Wrap(operation string, err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	d := Classify(err)
	pe := &Error{Details: d, Operation: operation, err: err}

	mark := ierr.ErrProvider
	if d.RecommendedAction == ActionUpdatePaymentMethod {
		mark = ierr.ErrPaymentRequired
	}

	return ierr.WithError(pe).
		WithHint(d.UserMessage).
		WithReportableDetails(map[string]any{
			"code":               d.Code,
			"recommended_action": d.RecommendedAction,
			"severity":           d.Severity,
			"operation":          operation,
		}).
		Mark(mark)
}

// From extracts the classified error from a chain
func From(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
