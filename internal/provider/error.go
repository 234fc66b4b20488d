package provider

import "fmt"

// Raw failure codes reported by the provider
const (
	CodeCardDeclined             = "card_declined"
	CodeExpiredCard              = "expired_card"
	CodeIncorrectCVC             = "incorrect_cvc"
	CodeProcessingError          = "processing_error"
	CodeRateLimit                = "rate_limit"
	CodePaymentMethodUnactivated = "payment_method_unactivated"
	CodeAuthenticationRequired   = "authentication_required"
	CodeResourceMissing          = "resource_missing"
	CodeAPIKeyExpired            = "api_key_expired"

	DeclineInsufficientFunds = "insufficient_funds"

	TypeCard           = "card_error"
	TypeAPI            = "api_error"
	TypeAuthentication = "authentication_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_error"
)

// Error is a normalized provider failure
type Error struct {
	Type        string
	Code        string
	DeclineCode string
	// Param names the offending request parameter, e.g. "customer" for resource_missing
	Param      string
	HTTPStatus int
	Message    string
	RequestID  string
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s (%s): %s", e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}
