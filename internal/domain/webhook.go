// Package domain defines the core models of the payment service. This file
// holds the wire types of the gateway's push notifications.
package domain

// Webhook event types pushed by the gateway. Anything else is ignored.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
)

// WebhookEvent is the envelope the gateway POSTs to the callback endpoint:
// an event type string plus a snapshot of the payment object it refers to.
type WebhookEvent struct {
	Event  string         `json:"event"`
	Object WebhookPayment `json:"object"`
}

// WebhookPayment is the subset of the gateway's payment snapshot the
// reconciliation engine consumes. Unknown fields are dropped on decode.
type WebhookPayment struct {
	ID     string        `json:"id"`
	Status string        `json:"status"`
	Paid   bool          `json:"paid"`
	Amount WebhookAmount `json:"amount"`
}

// WebhookAmount mirrors the gateway's {value, currency} money shape.
type WebhookAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}
