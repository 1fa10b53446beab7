package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus represents the lifecycle status of a campaign
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// String returns the string representation of the status
func (s CampaignStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusRunning,
		CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// CanTransitionTo enforces forward-only movement, except paused<->running
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	switch s {
	case CampaignStatusDraft:
		return next == CampaignStatusScheduled || next == CampaignStatusRunning
	case CampaignStatusScheduled:
		return next == CampaignStatusRunning || next == CampaignStatusCompleted
	case CampaignStatusRunning:
		return next == CampaignStatusPaused || next == CampaignStatusCompleted || next == CampaignStatusFailed
	case CampaignStatusPaused:
		return next == CampaignStatusRunning || next == CampaignStatusCompleted || next == CampaignStatusFailed
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for CampaignStatus
func (s *CampaignStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = CampaignStatus(v)
	case []byte:
		*s = CampaignStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CampaignStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for CampaignStatus
func (s CampaignStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CampaignStatus: %s", s)
	}
	return string(s), nil
}

// Campaign is one send job: a template delivered to an audience through a sender pool
type Campaign struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_campaigns_uuid" json:"uuid"`
	TenantID uint      `gorm:"not null;index:idx_campaigns_tenant_status,priority:1" json:"tenant_id"`

	Name       string `gorm:"size:255;not null" json:"name"`
	Owner      string `gorm:"size:255" json:"owner,omitempty"`
	TemplateID uint   `gorm:"not null" json:"template_id"`
	AudienceID uint   `gorm:"not null" json:"audience_id"`
	// SenderNames restricts the pool; empty means every sender of the tenant
	SenderNames []string `gorm:"type:jsonb;serializer:json" json:"sender_names,omitempty"`

	StartAt *time.Time     `json:"start_at,omitempty"`
	Status  CampaignStatus `gorm:"size:20;not null;index:idx_campaigns_tenant_status,priority:2" json:"status"`

	RatePerHour     int `gorm:"not null" json:"rate_per_hour"`
	MinDelayMinutes int `gorm:"not null" json:"min_delay_minutes"`
	MaxDelayMinutes int `gorm:"not null" json:"max_delay_minutes"`
	MaxRetries      int `gorm:"not null" json:"max_retries"`

	TotalSent   int `gorm:"not null;default:0" json:"total_sent"`
	TotalFailed int `gorm:"not null;default:0" json:"total_failed"`

	NonRecoverable bool `gorm:"not null;default:false" json:"non_recoverable"`

	// BatchToken fences the batch loop: only the task carrying the current token may run
	BatchToken  *uuid.UUID `gorm:"type:uuid" json:"-"`
	NextBatchAt *time.Time `gorm:"index:idx_campaigns_next_batch_at" json:"next_batch_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// CampaignFilter represents filter criteria for campaign queries
type CampaignFilter struct {
	ID            *uint
	UUID          *uuid.UUID
	TenantID      *uint
	Status        *CampaignStatus
	Statuses      []CampaignStatus
	StartAtBefore *time.Time
	BatchOverdue  *time.Time
}
