package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderECPay  = "ecpay"
	BillingProviderPayPal = "paypal"
)

// Status values for BillingWebhookEvent.
const (
	WebhookEventProcessing = "processing"
	WebhookEventDone       = "done"
)

// BillingWebhookEvent is the durable idempotency record for provider
// notifications. A processing row is a lease held by one delivery; a done
// row is written in the same transaction as the entitlement change. SeenAt
// is refreshed on every claim and completion.
type BillingWebhookEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	Status          string    `gorm:"type:varchar(16);not null;default:processing" json:"status"`
	SeenAt          time.Time `gorm:"not null;index" json:"seen_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
