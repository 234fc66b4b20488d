package types

// WebhookEventType is the provider event name as delivered
type WebhookEventType string

const (
	WebhookEventTypeSubscriptionCreated      WebhookEventType = "customer.subscription.created"
	WebhookEventTypeSubscriptionUpdated      WebhookEventType = "customer.subscription.updated"
	WebhookEventTypeSubscriptionDeleted      WebhookEventType = "customer.subscription.deleted"
	WebhookEventTypeSubscriptionTrialWillEnd WebhookEventType = "customer.subscription.trial_will_end"
	WebhookEventTypeInvoicePaymentFailed     WebhookEventType = "invoice.payment_failed"
	WebhookEventTypeInvoicePaymentSucceeded  WebhookEventType = "invoice.payment_succeeded"
	WebhookEventTypeInvoicePaid              WebhookEventType = "invoice.paid"
)

func (t WebhookEventType) String() string {
	return string(t)
}

// IngestResult is the outcome of handing one provider notification to the pipeline
type IngestResult string

const (
	IngestResultAccepted  IngestResult = "accepted"
	IngestResultDuplicate IngestResult = "duplicate"
	IngestResultFailed    IngestResult = "failed"
)

func (r IngestResult) String() string {
	return string(r)
}
