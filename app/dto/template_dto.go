package dto

import "time"

// CreateTemplateRequest represents the request to create a message template
type CreateTemplateRequest struct {
	TenantID      uint   `json:"-"`
	Name          string `json:"name" validate:"required,max=255"`
	Content       string `json:"content" validate:"required,max=4096"`
	VariationA    string `json:"variation_a,omitempty" validate:"omitempty,max=4096"`
	VariationB    string `json:"variation_b,omitempty" validate:"omitempty,max=4096"`
	UseVariations bool   `json:"use_variations"`
}

// TemplateResponse represents a message template in responses
type TemplateResponse struct {
	UUID          string    `json:"uuid"`
	Name          string    `json:"name"`
	Content       string    `json:"content"`
	VariationA    string    `json:"variation_a,omitempty"`
	VariationB    string    `json:"variation_b,omitempty"`
	UseVariations bool      `json:"use_variations"`
	Placeholders  []string  `json:"placeholders,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
