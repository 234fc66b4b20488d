package errors

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Common error types that can be used across the engine
var (
	ErrNotFound         = errors.New(ErrCodeNotFound)
	ErrAlreadyExists    = errors.New(ErrCodeAlreadyExists)
	ErrVersionConflict  = errors.New(ErrCodeVersionConflict)
	ErrValidation       = errors.New(ErrCodeValidation)
	ErrInvalidOperation = errors.New(ErrCodeInvalidOperation)
	ErrDatabase         = errors.New(ErrCodeDatabase)
	ErrSystem           = errors.New(ErrCodeSystemError)
	// ErrProvider marks failures reported by the recurring-payments provider
	ErrProvider = errors.New(ErrCodeProvider)
	// ErrPaymentRequired marks provider failures the subscriber can fix by updating the payment method
	ErrPaymentRequired = errors.New(ErrCodePaymentRequired)
	ErrHTTPClient      = errors.New(ErrCodeHTTPClient)

	// maps errors to http status codes, checked in order
	statusCodes = []struct {
		err    error
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrVersionConflict, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrInvalidOperation, http.StatusBadRequest},
		{ErrPaymentRequired, http.StatusPaymentRequired},
		{ErrProvider, http.StatusBadGateway},
		{ErrHTTPClient, http.StatusBadGateway},
		{ErrDatabase, http.StatusInternalServerError},
		{ErrSystem, http.StatusInternalServerError},
	}
)

const (
	ErrCodeSystemError      = "system_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeAlreadyExists    = "already_exists"
	ErrCodeVersionConflict  = "version_conflict"
	ErrCodeValidation       = "validation_error"
	ErrCodeInvalidOperation = "invalid_operation"
	ErrCodeDatabase         = "database_error"
	ErrCodeProvider         = "provider_error"
	ErrCodePaymentRequired  = "payment_required"
	ErrCodeHTTPClient       = "http_client_error"
)

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an already exists error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsVersionConflict checks if an error is a version conflict error
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidOperation checks if an error is an invalid operation error
func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

// IsProvider checks if an error originated at the payment provider
func IsProvider(err error) bool {
	return errors.Is(err, ErrProvider) || errors.Is(err, ErrPaymentRequired)
}

func HTTPStatusFromErr(err error) int {
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return sc.status
		}
	}
	return http.StatusInternalServerError
}
