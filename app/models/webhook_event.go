package models

import "time"

const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
)

// WebhookEvent stores one inbound payment-platform event keyed by the
// platform's globally unique event id. It is the idempotency ledger for the
// whole reconciliation pipeline: a given event id reaches exactly one
// terminal status, duplicate deliveries are recognized and skipped, and rows
// are never deleted (audit trail).
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	Status          string     `gorm:"type:varchar(20);not null;default:'processing';index" json:"status"`
	CustomerRef     string     `gorm:"type:varchar(191);default:'';index" json:"customer_ref"`
	SubscriptionRef string     `gorm:"type:varchar(191);default:'';index" json:"subscription_ref"`
	InvoiceRef      string     `gorm:"type:varchar(191);default:''" json:"invoice_ref"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the event already reached a final status.
func (e *WebhookEvent) IsTerminal() bool {
	return e.Status == WebhookStatusProcessed || e.Status == WebhookStatusFailed
}
