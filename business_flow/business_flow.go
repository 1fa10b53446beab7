package businessflow

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/google/uuid"
)

// Randomizer draws uniform integers in [0, n)
type Randomizer interface {
	IntN(n int) int
}

type globalRandom struct{}

func (globalRandom) IntN(n int) int { return rand.IntN(n) }

// DefaultRandom is backed by math/rand/v2's global source
var DefaultRandom Randomizer = globalRandom{}

// uniformDuration draws a duration uniformly from [lo, hi]
func uniformDuration(rnd Randomizer, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int((hi - lo) / time.Second)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(rnd.IntN(span+1))*time.Second
}

// loadSettings returns the tenant's anti-ban policy, or the defaults when none was saved
func loadSettings(ctx context.Context, repo repository.CampaignSettingsRepository, tenantID uint) (*models.TenantCampaignSettings, bool, error) {
	settings, err := repo.ByTenantID(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	if settings == nil {
		return models.DefaultCampaignSettings(tenantID), true, nil
	}
	return settings, false, nil
}

// scopedTenant asserts ctx carries a live scope for tenantID
func scopedTenant(ctx context.Context, tenantID uint) error {
	scoped, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	if scoped != tenantID {
		return tenancy.ErrUnknownTenant
	}
	return nil
}

func parseUUID(s string, notFound error) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, notFound
	}
	return id, nil
}

// ToCampaignResponse converts a campaign model into its API representation
func ToCampaignResponse(c *models.Campaign) dto.CampaignResponse {
	return dto.CampaignResponse{
		UUID:            c.UUID.String(),
		Name:            c.Name,
		Owner:           c.Owner,
		Status:          c.Status.String(),
		SenderNames:     c.SenderNames,
		StartAt:         c.StartAt,
		RatePerHour:     c.RatePerHour,
		MinDelayMinutes: c.MinDelayMinutes,
		MaxDelayMinutes: c.MaxDelayMinutes,
		MaxRetries:      c.MaxRetries,
		TotalSent:       c.TotalSent,
		TotalFailed:     c.TotalFailed,
		NonRecoverable:  c.NonRecoverable,
		NextBatchAt:     c.NextBatchAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
		CreatedAt:       c.CreatedAt,
	}
}

// ToTemplateResponse converts a template model into its API representation
func ToTemplateResponse(t *models.MessageTemplate) dto.TemplateResponse {
	return dto.TemplateResponse{
		UUID:          t.UUID.String(),
		Name:          t.Name,
		Content:       t.Content,
		VariationA:    t.VariationA,
		VariationB:    t.VariationB,
		UseVariations: t.UseVariations,
		Placeholders:  TemplatePlaceholders(t),
		CreatedAt:     t.CreatedAt,
	}
}

// ToSenderResponse converts a sender and its usage row; usage may be nil
func ToSenderResponse(s *models.Sender, u *models.SenderUsage) dto.SenderResponse {
	resp := dto.SenderResponse{
		UUID:              s.UUID.String(),
		SenderName:        s.SenderName,
		ExternalID:        s.ExternalID,
		ConnectionState:   string(s.ConnectionState),
		ProfileName:       s.ProfileName,
		ProfilePictureURL: s.ProfilePictureURL,
		IsActive:          s.IsActive,
		LastSyncAt:        s.LastSyncAt,
		CreatedAt:         s.CreatedAt,
	}
	if u != nil {
		resp.Usage = &dto.SenderUsage{
			MessagesSentThisHour: u.MessagesSentThisHour,
			MessagesSentToday:    u.MessagesSentToday,
			LifetimeSent:         u.LifetimeSent,
			ConsecutiveFailures:  u.ConsecutiveFailures,
			LifetimeFailures:     u.LifetimeFailures,
			IsInCooldown:         u.IsInCooldown,
			CooldownUntil:        u.CooldownUntil,
			LastSendAt:           u.LastSendAt,
		}
	}
	return resp
}

// ToSettingsResponse converts a settings model into its API representation
func ToSettingsResponse(s *models.TenantCampaignSettings, isDefault bool) dto.CampaignSettingsResponse {
	return dto.CampaignSettingsResponse{
		SelectionStrategy:    string(s.SelectionStrategy),
		MaxPerHour:           s.MaxPerHour,
		MaxPerDay:            s.MaxPerDay,
		MinDelaySeconds:      s.MinDelaySeconds,
		MaxDelaySeconds:      s.MaxDelaySeconds,
		UseJitter:            s.UseJitter,
		RotateAfterNMessages: s.RotateAfterNMessages,
		CooldownMinutes:      s.CooldownMinutes,
		AutoDisableOnFailure: s.AutoDisableOnFailure,
		FailureThreshold:     s.FailureThreshold,
		IsDefault:            isDefault,
	}
}

// ToConversationResponse converts a conversation model into its API representation
func ToConversationResponse(c *models.Conversation) dto.ConversationResponse {
	return dto.ConversationResponse{
		UUID:                     c.UUID.String(),
		SenderName:               c.SenderName,
		PeerPhone:                c.PeerPhone,
		CustomerName:             c.CustomerName,
		Status:                   string(c.Status),
		AssignedAgent:            c.AssignedAgent,
		UnreadCount:              c.UnreadCount,
		MessageCount:             c.MessageCount,
		FirstMessageAt:           c.FirstMessageAt,
		LastMessageAt:            c.LastMessageAt,
		LastInboundAt:            c.LastInboundAt,
		LastOutboundAt:           c.LastOutboundAt,
		OriginatedFromCampaignID: c.OriginatedFromCampaignID,
	}
}

// ToMessageResponse converts a conversation message into its API representation
func ToMessageResponse(m *models.ConversationMessage) dto.MessageResponse {
	resp := dto.MessageResponse{
		UUID:              m.UUID.String(),
		Direction:         string(m.Direction),
		MessageType:       string(m.MessageType),
		Body:              m.Body,
		MediaURL:          m.MediaURL,
		SentByAgent:       m.SentByAgent,
		ProviderMessageID: m.ProviderMessageID,
		IsRead:            m.IsRead,
		SentAt:            m.SentAt,
	}
	if m.DeliveryStatus != nil {
		resp.DeliveryStatus = string(*m.DeliveryStatus)
	}
	return resp
}
