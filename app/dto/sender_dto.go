package dto

import "time"

// CreateSenderRequest registers a new provider instance for the tenant
type CreateSenderRequest struct {
	TenantID   uint   `json:"-"`
	SenderName string `json:"sender_name" validate:"required,min=3,max=100"`
}

// SenderRequest addresses one sender of the caller's tenant
type SenderRequest struct {
	TenantID   uint   `json:"-"`
	SenderName string `json:"-" validate:"required,max=100"`
}

// SenderResponse represents a sender in responses; the shared secret is never included
type SenderResponse struct {
	UUID              string       `json:"uuid"`
	SenderName        string       `json:"sender_name"`
	ExternalID        string       `json:"external_id,omitempty"`
	ConnectionState   string       `json:"connection_state"`
	ProfileName       string       `json:"profile_name,omitempty"`
	ProfilePictureURL string       `json:"profile_picture_url,omitempty"`
	IsActive          bool         `json:"is_active"`
	LastSyncAt        *time.Time   `json:"last_sync_at,omitempty"`
	Usage             *SenderUsage `json:"usage,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// SenderUsage exposes the anti-ban counters of a sender
type SenderUsage struct {
	MessagesSentThisHour int        `json:"messages_sent_this_hour"`
	MessagesSentToday    int        `json:"messages_sent_today"`
	LifetimeSent         int        `json:"lifetime_sent"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LifetimeFailures     int        `json:"lifetime_failures"`
	IsInCooldown         bool       `json:"is_in_cooldown"`
	CooldownUntil        *time.Time `json:"cooldown_until,omitempty"`
	LastSendAt           *time.Time `json:"last_send_at,omitempty"`
}

// CreateSenderResponse is returned once on creation. WebhookURL and WebhookSecret
// must be configured on the provider side.
type CreateSenderResponse struct {
	Sender        SenderResponse `json:"sender"`
	WebhookURL    string         `json:"webhook_url"`
	WebhookSecret string         `json:"webhook_secret"`
}

// SenderQRResponse carries the pairing QR code
type SenderQRResponse struct {
	SenderName      string `json:"sender_name"`
	ConnectionState string `json:"connection_state"`
	QRCode          string `json:"qr_code,omitempty"`
	PairingCode     string `json:"pairing_code,omitempty"`
}

// CheckNumbersRequest asks the provider which phones have WhatsApp
type CheckNumbersRequest struct {
	TenantID   uint     `json:"-"`
	SenderName string   `json:"-" validate:"required"`
	Phones     []string `json:"phones" validate:"required,min=1,max=500,dive,required,max=32"`
}

// CheckNumbersResponse reports the provider verdict per phone
type CheckNumbersResponse struct {
	Results []NumberCheckResult `json:"results"`
}

type NumberCheckResult struct {
	Phone  string `json:"phone"`
	Exists bool   `json:"exists"`
	Status string `json:"status"`
}
