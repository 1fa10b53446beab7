package businessflow

import (
	"context"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"go.uber.org/zap"
)

// SettingsFlow reads and replaces the per-tenant anti-ban policy
type SettingsFlow interface {
	GetSettings(ctx context.Context, tenantID uint) (*dto.CampaignSettingsResponse, error)
	PutSettings(ctx context.Context, req *dto.CampaignSettingsRequest) (*dto.CampaignSettingsResponse, error)
}

type SettingsFlowImpl struct {
	settingsRepo repository.CampaignSettingsRepository
	logger       *zap.Logger
}

func NewSettingsFlow(settingsRepo repository.CampaignSettingsRepository, logger *zap.Logger) SettingsFlow {
	return &SettingsFlowImpl{
		settingsRepo: settingsRepo,
		logger:       logger.Named("settings_flow"),
	}
}

func (s *SettingsFlowImpl) GetSettings(ctx context.Context, tenantID uint) (*dto.CampaignSettingsResponse, error) {
	settings, isDefault, err := loadSettings(ctx, s.settingsRepo, tenantID)
	if err != nil {
		return nil, NewBusinessError("SETTINGS_LOOKUP_FAILED", "Failed to load campaign settings", err)
	}
	resp := ToSettingsResponse(settings, isDefault)
	return &resp, nil
}

func (s *SettingsFlowImpl) PutSettings(ctx context.Context, req *dto.CampaignSettingsRequest) (*dto.CampaignSettingsResponse, error) {
	strategy := models.SelectionStrategy(req.SelectionStrategy)
	if !strategy.Valid() || req.MaxPerHour < 1 || req.MaxPerDay < req.MaxPerHour ||
		req.MinDelaySeconds > req.MaxDelaySeconds || req.FailureThreshold < 1 {
		return nil, NewBusinessError("SETTINGS_VALIDATION_FAILED", "Campaign settings validation failed", ErrInvalidSettings)
	}

	settings := &models.TenantCampaignSettings{
		TenantID:             req.TenantID,
		SelectionStrategy:    strategy,
		MaxPerHour:           req.MaxPerHour,
		MaxPerDay:            req.MaxPerDay,
		MinDelaySeconds:      req.MinDelaySeconds,
		MaxDelaySeconds:      req.MaxDelaySeconds,
		UseJitter:            req.UseJitter,
		RotateAfterNMessages: req.RotateAfterNMessages,
		CooldownMinutes:      req.CooldownMinutes,
		AutoDisableOnFailure: req.AutoDisableOnFailure,
		FailureThreshold:     req.FailureThreshold,
	}
	if err := s.settingsRepo.Upsert(ctx, settings); err != nil {
		return nil, NewBusinessError("SETTINGS_UPDATE_FAILED", "Failed to save campaign settings", err)
	}

	s.logger.Info("campaign settings updated",
		zap.Uint("tenant_id", req.TenantID),
		zap.String("strategy", req.SelectionStrategy),
		zap.Int("max_per_hour", req.MaxPerHour),
		zap.Int("max_per_day", req.MaxPerDay))

	resp := ToSettingsResponse(settings, false)
	return &resp, nil
}
