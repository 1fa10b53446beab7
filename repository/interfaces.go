// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// TenantRepository defines operations for tenants (control partition)
type TenantRepository interface {
	Repository[models.Tenant, models.TenantFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

// CampaignSettingsRepository defines operations for per-tenant anti-ban policy (control partition)
type CampaignSettingsRepository interface {
	ByTenantID(ctx context.Context, tenantID uint) (*models.TenantCampaignSettings, error)
	Upsert(ctx context.Context, settings *models.TenantCampaignSettings) error
}

// SenderRepository defines operations for WhatsApp senders
type SenderRepository interface {
	Repository[models.Sender, models.SenderFilter]
	ByName(ctx context.Context, tenantID uint, name string) (*models.Sender, error)
	ByExternalID(ctx context.Context, externalID string) (*models.Sender, error)
	UpdateFields(ctx context.Context, id uint, updates map[string]any) error
	MarkDisconnected(ctx context.Context, tenantID uint, name string) error
	Deactivate(ctx context.Context, tenantID uint, name string) error
	Delete(ctx context.Context, id uint) error
}

// SenderUsageRepository defines the atomic anti-ban counter primitives
type SenderUsageRepository interface {
	Ensure(ctx context.Context, tenantID uint, senderNames []string, now time.Time) error
	ByNames(ctx context.Context, tenantID uint, senderNames []string) ([]*models.SenderUsage, error)
	ByName(ctx context.Context, tenantID uint, senderName string) (*models.SenderUsage, error)
	ResetCounters(ctx context.Context, id uint, now time.Time) error
	Reserve(ctx context.Context, id uint, limits UsageLimits, now time.Time) (bool, error)
	RebaseCursors(ctx context.Context, ids []uint) error
	RecordSuccess(ctx context.Context, id uint, now time.Time) error
	RecordFailure(ctx context.Context, id uint, now time.Time) (*models.SenderUsage, error)
	EnterCooldown(ctx context.Context, id uint, until time.Time) error
}

// UsageLimits are the eligibility predicates checked inside a reservation
type UsageLimits struct {
	MaxPerHour       int
	MaxPerDay        int
	FailureThreshold int
}

// TemplateRepository defines operations for message templates
type TemplateRepository interface {
	ByID(ctx context.Context, id uint) (*models.MessageTemplate, error)
	ByUUID(ctx context.Context, id uuid.UUID) (*models.MessageTemplate, error)
	Save(ctx context.Context, tpl *models.MessageTemplate) error
	Link(ctx context.Context, campaignID, templateID uint, weight int) error
}

// AudienceRepository reads finalized audiences
type AudienceRepository interface {
	ByID(ctx context.Context, id uint) (*models.Audience, error)
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Audience, error)
	Save(ctx context.Context, audience *models.Audience) error
	SaveMembers(ctx context.Context, members []*models.AudienceMember) error
	Members(ctx context.Context, audienceID uint, limit, offset int) ([]*models.AudienceMember, error)
	CountMembers(ctx context.Context, audienceID uint) (int64, error)
}

// CampaignRepository defines operations for campaigns
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error)
	TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, extra map[string]any) (bool, error)
	UpdateFields(ctx context.Context, id uint, updates map[string]any) error
	IncrementTotals(ctx context.Context, id uint, sent, failed int) error
	SetBatchToken(ctx context.Context, id uint, token uuid.UUID, nextBatchAt time.Time) error
	ConsumeBatchToken(ctx context.Context, id uint, token uuid.UUID) (bool, error)
}

// TargetRepository defines operations for campaign targets
type TargetRepository interface {
	Repository[models.Target, models.TargetFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Target, error)
	InsertIgnoreDuplicates(ctx context.Context, targets []*models.Target) (int64, error)
	CompareAndSwapState(ctx context.Context, id uint, from []models.TargetState, to models.TargetState, extra map[string]any) (bool, error)
	CountSentSince(ctx context.Context, campaignID uint, since time.Time) (int64, error)
	CancelOpen(ctx context.Context, campaignID uint, reason string) (int64, error)
	RequeueFailed(ctx context.Context, campaignID uint, maxRetries int) (int64, error)
	ResetStale(ctx context.Context, stuckBefore time.Time) (int64, error)
	LatestByPhone(ctx context.Context, phone string) (*models.Target, error)
}

// ConversationRepository defines operations for conversations and their messages
type ConversationRepository interface {
	Repository[models.Conversation, models.ConversationFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ByPeer(ctx context.Context, tenantID uint, senderName, peerPhone string) (*models.Conversation, error)
	CreateIfAbsent(ctx context.Context, conv *models.Conversation) (bool, error)
	UpdateFields(ctx context.Context, id uint, updates map[string]any) error
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
	HasProviderMessage(ctx context.Context, conversationID uint, providerMessageID string) (bool, error)
	Messages(ctx context.Context, conversationID uint, limit, offset int) ([]*models.ConversationMessage, error)
	MarkMessagesRead(ctx context.Context, conversationID uint) error
}

// PhoneHistoryRepository defines operations for phone reputation
type PhoneHistoryRepository interface {
	ByPhone(ctx context.Context, phone string) (*models.PhoneNumberHistory, error)
	Upsert(ctx context.Context, history *models.PhoneNumberHistory) error
}

// WebhookEventRepository defines operations for the webhook audit log
type WebhookEventRepository interface {
	Save(ctx context.Context, event *models.WebhookEvent) error
	MarkProcessed(ctx context.Context, id uint, processErr error) error
}
