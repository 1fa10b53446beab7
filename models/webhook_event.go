package models

import "time"

// WebhookEvent is the durable audit record of every authenticated provider callback
type WebhookEvent struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    uint       `gorm:"not null;index:idx_webhook_events_tenant" json:"tenant_id"`
	SenderID    uint       `gorm:"not null;index:idx_webhook_events_sender" json:"sender_id"`
	EventType   string     `gorm:"size:64;not null" json:"event_type"`
	Payload     string     `gorm:"type:text;not null" json:"payload"`
	Processed   bool       `gorm:"not null;default:false" json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
