// Package models contains domain entities and state machines of the campaign dispatcher
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is a customer of the dispatcher. Lives in the control partition.
// Partition names the data partition (see tenancy.Registry) holding the tenant's business tables.
type Tenant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UUID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_tenants_uuid" json:"uuid"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Partition string    `gorm:"size:64;not null;uniqueIndex:uk_tenants_partition" json:"partition"`
	IsActive  bool      `gorm:"not null;default:true;index:idx_tenants_is_active" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Tenant) TableName() string {
	return "tenants"
}

// TenantFilter represents filter criteria for tenant queries
type TenantFilter struct {
	ID        *uint
	UUID      *uuid.UUID
	Partition *string
	IsActive  *bool
}

// SelectionStrategy decides how the sender pool picks among eligible senders
type SelectionStrategy string

const (
	SelectionRoundRobin SelectionStrategy = "round_robin"
	SelectionRandom     SelectionStrategy = "random"
	SelectionLeastUsed  SelectionStrategy = "least_used"
)

func (s SelectionStrategy) Valid() bool {
	switch s {
	case SelectionRoundRobin, SelectionRandom, SelectionLeastUsed:
		return true
	}
	return false
}

// TenantCampaignSettings is the per-tenant anti-ban policy. Lives in the control partition.
type TenantCampaignSettings struct {
	ID       uint `gorm:"primaryKey" json:"id"`
	TenantID uint `gorm:"not null;uniqueIndex:uk_tenant_campaign_settings_tenant" json:"tenant_id"`

	SelectionStrategy SelectionStrategy `gorm:"size:20;not null" json:"selection_strategy"`

	MaxPerHour int `gorm:"not null" json:"max_per_hour"`
	MaxPerDay  int `gorm:"not null" json:"max_per_day"`

	MinDelaySeconds int  `gorm:"column:min_delay_s;not null" json:"min_delay_s"`
	MaxDelaySeconds int  `gorm:"column:max_delay_s;not null" json:"max_delay_s"`
	UseJitter       bool `gorm:"not null" json:"use_jitter"`

	RotateAfterNMessages int `gorm:"not null" json:"rotate_after_n_messages"`
	CooldownMinutes      int `gorm:"not null" json:"cooldown_minutes"`

	AutoDisableOnFailure bool `gorm:"not null" json:"auto_disable_on_failure"`
	FailureThreshold     int  `gorm:"not null" json:"failure_threshold"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TenantCampaignSettings) TableName() string {
	return "tenant_campaign_settings"
}

// DefaultCampaignSettings is used for tenants that never saved a policy
func DefaultCampaignSettings(tenantID uint) *TenantCampaignSettings {
	return &TenantCampaignSettings{
		TenantID:             tenantID,
		SelectionStrategy:    SelectionRoundRobin,
		MaxPerHour:           20,
		MaxPerDay:            200,
		MinDelaySeconds:      30,
		MaxDelaySeconds:      120,
		UseJitter:            true,
		RotateAfterNMessages: 50,
		CooldownMinutes:      15,
		AutoDisableOnFailure: true,
		FailureThreshold:     5,
	}
}

// CooldownDuration returns the rotation/rate-limit cooldown, never shorter than a minute
func (s *TenantCampaignSettings) CooldownDuration() time.Duration {
	if s.CooldownMinutes < 1 {
		return time.Minute
	}
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// MinDelay returns the deferral applied when no sender can take a target
func (s *TenantCampaignSettings) MinDelay() time.Duration {
	if s.MinDelaySeconds < 1 {
		return time.Second
	}
	return time.Duration(s.MinDelaySeconds) * time.Second
}
