package models

import "time"

type WhatsAppStatus string

const (
	WhatsAppConfirmed    WhatsAppStatus = "confirmed"
	WhatsAppNotAvailable WhatsAppStatus = "not_available"
	WhatsAppUnknown      WhatsAppStatus = "unknown"
)

// PhoneNumberHistory is the cross-campaign reputation of a phone number
type PhoneNumberHistory struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Phone          string         `gorm:"size:32;not null;uniqueIndex:uk_phone_number_histories_phone" json:"phone"`
	WhatsAppStatus WhatsAppStatus `gorm:"column:whatsapp_status;size:20;not null" json:"whatsapp_status"`
	Country        string         `gorm:"size:8" json:"country,omitempty"`
	RiskLevel      string         `gorm:"size:20" json:"risk_level,omitempty"`
	IsFlagged      bool           `gorm:"not null;default:false" json:"is_flagged"`
	FailureReasons []string       `gorm:"type:jsonb;serializer:json" json:"failure_reasons,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (PhoneNumberHistory) TableName() string {
	return "phone_number_histories"
}

// BlocksDispatch reports whether a target to this phone should be skipped at now
func (h *PhoneNumberHistory) BlocksDispatch(now time.Time, ttl time.Duration) bool {
	if h.IsFlagged {
		return true
	}
	return h.WhatsAppStatus == WhatsAppNotAvailable && now.Sub(h.UpdatedAt) <= ttl
}
