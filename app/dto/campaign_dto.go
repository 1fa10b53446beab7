package dto

import (
	"time"
)

// CreateCampaignRequest represents the request to create a draft campaign
type CreateCampaignRequest struct {
	TenantID        uint       `json:"-"`
	Name            string     `json:"name" validate:"required,max=255"`
	Owner           string     `json:"owner,omitempty" validate:"omitempty,max=255"`
	TemplateUUID    string     `json:"template_uuid" validate:"required,uuid"`
	AudienceUUID    string     `json:"audience_uuid" validate:"required,uuid"`
	SenderNames     []string   `json:"sender_names,omitempty" validate:"omitempty,dive,required,max=100"`
	StartAt         *time.Time `json:"start_at,omitempty"`
	RatePerHour     int        `json:"rate_per_hour" validate:"required,min=1,max=10000"`
	MinDelayMinutes int        `json:"min_delay_minutes" validate:"min=0,max=1440"`
	MaxDelayMinutes int        `json:"max_delay_minutes" validate:"min=0,max=1440,gtefield=MinDelayMinutes"`
	MaxRetries      *int       `json:"max_retries,omitempty" validate:"omitempty,min=0,max=20"`
}

// CampaignResponse represents a campaign in responses
type CampaignResponse struct {
	UUID            string           `json:"uuid"`
	Name            string           `json:"name"`
	Owner           string           `json:"owner,omitempty"`
	Status          string           `json:"status"`
	SenderNames     []string         `json:"sender_names,omitempty"`
	StartAt         *time.Time       `json:"start_at,omitempty"`
	RatePerHour     int              `json:"rate_per_hour"`
	MinDelayMinutes int              `json:"min_delay_minutes"`
	MaxDelayMinutes int              `json:"max_delay_minutes"`
	MaxRetries      int              `json:"max_retries"`
	TotalSent       int              `json:"total_sent"`
	TotalFailed     int              `json:"total_failed"`
	NonRecoverable  bool             `json:"non_recoverable"`
	NextBatchAt     *time.Time       `json:"next_batch_at,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	Targets         map[string]int64 `json:"targets,omitempty"`
}

// CampaignActionRequest addresses one campaign of the caller's tenant
type CampaignActionRequest struct {
	TenantID uint   `json:"-"`
	UUID     string `json:"-" validate:"required,uuid"`
}

// CampaignActionResponse is returned by lifecycle operations
type CampaignActionResponse struct {
	Message  string `json:"message"`
	UUID     string `json:"uuid"`
	Status   string `json:"status"`
	Affected int64  `json:"affected,omitempty"`
}

// ListCampaignsRequest represents the request to list campaigns
type ListCampaignsRequest struct {
	PageRequest
	TenantID uint   `json:"-"`
	Status   string `query:"status" validate:"omitempty,oneof=draft scheduled running paused completed failed"`
}

// ListCampaignsResponse represents a paginated list of campaigns
type ListCampaignsResponse struct {
	Items      []CampaignResponse `json:"items"`
	Pagination PaginationInfo     `json:"pagination"`
}
