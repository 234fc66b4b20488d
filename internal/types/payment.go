package types

// PaymentAttemptStatus is the outcome of a single charge against the provider
type PaymentAttemptStatus string

const (
	PaymentAttemptStatusSucceeded PaymentAttemptStatus = "succeeded"
	PaymentAttemptStatusFailed    PaymentAttemptStatus = "failed"
)

func (s PaymentAttemptStatus) String() string {
	return string(s)
}
