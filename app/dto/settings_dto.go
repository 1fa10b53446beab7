package dto

// CampaignSettingsRequest replaces the tenant's anti-ban policy
type CampaignSettingsRequest struct {
	TenantID             uint   `json:"-"`
	SelectionStrategy    string `json:"selection_strategy" validate:"required,oneof=round_robin random least_used"`
	MaxPerHour           int    `json:"max_per_hour" validate:"required,min=1,max=10000"`
	MaxPerDay            int    `json:"max_per_day" validate:"required,min=1,max=100000,gtefield=MaxPerHour"`
	MinDelaySeconds      int    `json:"min_delay_s" validate:"min=0,max=86400"`
	MaxDelaySeconds      int    `json:"max_delay_s" validate:"min=0,max=86400,gtefield=MinDelaySeconds"`
	UseJitter            bool   `json:"use_jitter"`
	RotateAfterNMessages int    `json:"rotate_after_n_messages" validate:"min=0,max=100000"`
	CooldownMinutes      int    `json:"cooldown_minutes" validate:"min=0,max=10080"`
	AutoDisableOnFailure bool   `json:"auto_disable_on_failure"`
	FailureThreshold     int    `json:"failure_threshold" validate:"required,min=1,max=1000"`
}

// CampaignSettingsResponse is the effective policy of a tenant
type CampaignSettingsResponse struct {
	SelectionStrategy    string `json:"selection_strategy"`
	MaxPerHour           int    `json:"max_per_hour"`
	MaxPerDay            int    `json:"max_per_day"`
	MinDelaySeconds      int    `json:"min_delay_s"`
	MaxDelaySeconds      int    `json:"max_delay_s"`
	UseJitter            bool   `json:"use_jitter"`
	RotateAfterNMessages int    `json:"rotate_after_n_messages"`
	CooldownMinutes      int    `json:"cooldown_minutes"`
	AutoDisableOnFailure bool   `json:"auto_disable_on_failure"`
	FailureThreshold     int    `json:"failure_threshold"`
	IsDefault            bool   `json:"is_default"`
}
