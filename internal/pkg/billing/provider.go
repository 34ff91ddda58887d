package billing

import "context"

// Provider is one payment processor's notification dialect. The set of
// implementations is closed: ECPay and PayPal.
type Provider interface {
	// Name is the provider key used in idempotency records and metrics.
	Name() string
	// TransactionID identifies the notification for deduplication.
	TransactionID(n *Notification) (string, error)
	// Verify authenticates the notification. It must run before any field
	// of the notification is trusted.
	Verify(ctx context.Context, n *Notification) error
	// Classify decides what a verified notification asks for.
	Classify(n *Notification) (Event, error)
	// Ack is the acknowledgement the provider expects on success.
	Ack() Ack

	sealed()
}
