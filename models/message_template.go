package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageTemplate is a message body with {{field}} placeholders and optional A/B variations
type MessageTemplate struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_message_templates_uuid" json:"uuid"`
	TenantID uint      `gorm:"not null;index:idx_message_templates_tenant" json:"tenant_id"`

	Name          string `gorm:"size:255;not null" json:"name"`
	Content       string `gorm:"type:text;not null" json:"content"`
	VariationA    string `gorm:"type:text" json:"variation_a,omitempty"`
	VariationB    string `gorm:"type:text" json:"variation_b,omitempty"`
	UseVariations bool   `gorm:"not null;default:false" json:"use_variations"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MessageTemplate) TableName() string {
	return "message_templates"
}

// Variants returns the non-empty bodies a dispatch may choose from
func (t *MessageTemplate) Variants() []string {
	if !t.UseVariations {
		return []string{t.Content}
	}
	out := make([]string, 0, 3)
	for _, v := range []string{t.Content, t.VariationA, t.VariationB} {
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{t.Content}
	}
	return out
}

// CampaignTemplate links a campaign to a template. Weight is stored for operators
// and is not consulted by variant selection.
type CampaignTemplate struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CampaignID uint      `gorm:"not null;uniqueIndex:uk_campaign_templates_pair,priority:1" json:"campaign_id"`
	TemplateID uint      `gorm:"not null;uniqueIndex:uk_campaign_templates_pair,priority:2" json:"template_id"`
	Weight     int       `gorm:"not null;default:1" json:"weight"`
	CreatedAt  time.Time `json:"created_at"`
}

func (CampaignTemplate) TableName() string {
	return "campaign_templates"
}

// Audience is a finalized recipient list produced outside the dispatcher
type Audience struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UUID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_audiences_uuid" json:"uuid"`
	TenantID  uint      `gorm:"not null;index:idx_audiences_tenant" json:"tenant_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (Audience) TableName() string {
	return "audiences"
}

// AudienceMember is one recipient of an audience; Data feeds template rendering
type AudienceMember struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	AudienceID uint              `gorm:"not null;uniqueIndex:uk_audience_members_phone,priority:1" json:"audience_id"`
	Phone      string            `gorm:"size:32;not null;uniqueIndex:uk_audience_members_phone,priority:2" json:"phone"`
	Data       map[string]string `gorm:"type:jsonb;serializer:json" json:"data"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AudienceMember) TableName() string {
	return "audience_members"
}
