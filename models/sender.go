package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState mirrors the provider-side session state of a sender
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionClosed       ConnectionState = "closed"
)

// ConnectionStateFromProvider maps provider vocabulary (open, connecting, close) onto ours
func ConnectionStateFromProvider(state string) ConnectionState {
	switch state {
	case "open", "connected":
		return ConnectionConnected
	case "connecting":
		return ConnectionConnecting
	case "close", "closed":
		return ConnectionClosed
	default:
		return ConnectionDisconnected
	}
}

// Sender is a provider-side WhatsApp instance owned by a tenant.
// SharedSecret authenticates webhooks; it is generated once on create and never rewritten.
type Sender struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_whatsapp_senders_uuid" json:"uuid"`
	TenantID uint      `gorm:"not null;uniqueIndex:uk_whatsapp_senders_tenant_name,priority:1" json:"tenant_id"`

	SenderName   string `gorm:"size:100;not null;uniqueIndex:uk_whatsapp_senders_tenant_name,priority:2" json:"sender_name"`
	ExternalID   string `gorm:"size:100;index:idx_whatsapp_senders_external_id" json:"external_id"`
	SharedSecret string `gorm:"size:64;not null" json:"-"`

	ConnectionState   ConnectionState `gorm:"size:20;not null;default:disconnected" json:"connection_state"`
	QRCode            string          `gorm:"type:text" json:"-"`
	ProfileName       string          `gorm:"size:255" json:"profile_name,omitempty"`
	ProfilePictureURL string          `gorm:"size:1024" json:"profile_picture_url,omitempty"`
	LastSyncAt        *time.Time      `json:"last_sync_at,omitempty"`
	IsActive          bool            `gorm:"not null;default:true" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Sender) TableName() string {
	return "whatsapp_senders"
}

// Eligible reports whether the sender may be offered to the pool at all
func (s *Sender) Eligible() bool {
	return s.IsActive && s.ConnectionState == ConnectionConnected && s.ExternalID != ""
}

// SenderFilter represents filter criteria for sender queries
type SenderFilter struct {
	ID              *uint
	UUID            *uuid.UUID
	TenantID        *uint
	SenderName      *string
	SenderNames     []string
	ExternalID      *string
	ConnectionState *ConnectionState
	IsActive        *bool
}

// SenderUsage carries the anti-ban counters of one sender. All mutations are single conditional UPDATEs.
type SenderUsage struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TenantID   uint   `gorm:"not null;uniqueIndex:uk_sender_usages_tenant_name,priority:1" json:"tenant_id"`
	SenderName string `gorm:"size:100;not null;uniqueIndex:uk_sender_usages_tenant_name,priority:2;index:idx_sender_usages_sender_name" json:"sender_name"`

	MessagesSentThisHour int `gorm:"not null;default:0" json:"messages_sent_this_hour"`
	MessagesSentToday    int `gorm:"not null;default:0" json:"messages_sent_today"`
	LifetimeSent         int `gorm:"not null;default:0" json:"lifetime_sent"`
	ConsecutiveFailures  int `gorm:"not null;default:0" json:"consecutive_failures"`
	LifetimeFailures     int `gorm:"not null;default:0" json:"lifetime_failures"`

	LastSendAt    *time.Time `json:"last_send_at,omitempty"`
	LastHourReset time.Time  `gorm:"not null" json:"last_hour_reset"`
	LastDayReset  time.Time  `gorm:"not null" json:"last_day_reset"`

	IsInCooldown  bool       `gorm:"not null;default:false" json:"is_in_cooldown"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`

	RotationCursor int64 `gorm:"not null;default:0" json:"rotation_cursor"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SenderUsage) TableName() string {
	return "sender_usages"
}

// InCooldownAt reports whether a cooldown is still running at now
func (u *SenderUsage) InCooldownAt(now time.Time) bool {
	return u.IsInCooldown && u.CooldownUntil != nil && u.CooldownUntil.After(now)
}
