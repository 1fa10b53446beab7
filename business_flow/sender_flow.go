package businessflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InstanceName is the provider-side instance name of a sender. Sender names are only
// unique per tenant, the provider namespace is global.
func InstanceName(tenantID uint, senderName string) string {
	return fmt.Sprintf("t%d_%s", tenantID, senderName)
}

// SenderFlow handles the lifecycle of provider instances
type SenderFlow interface {
	CreateSender(ctx context.Context, req *dto.CreateSenderRequest) (*dto.CreateSenderResponse, error)
	ListSenders(ctx context.Context, tenantID uint) ([]dto.SenderResponse, error)
	GetQR(ctx context.Context, req *dto.SenderRequest) (*dto.SenderQRResponse, error)
	RefreshSender(ctx context.Context, req *dto.SenderRequest) (*dto.SenderResponse, error)
	RestartSender(ctx context.Context, req *dto.SenderRequest) (*dto.SenderResponse, error)
	CheckNumbers(ctx context.Context, req *dto.CheckNumbersRequest) (*dto.CheckNumbersResponse, error)
	DeleteSender(ctx context.Context, req *dto.SenderRequest) error
}

// SenderFlowImpl implements the sender business flow
type SenderFlowImpl struct {
	registry         *tenancy.Registry
	senderRepo       repository.SenderRepository
	usageRepo        repository.SenderUsageRepository
	phoneHistoryRepo repository.PhoneHistoryRepository
	provider         services.EvolutionClient
	providerCfg      config.ProviderConfig
	webhookURL       string
	secretHeader     string
	now              utils.Clock
	logger           *zap.Logger
}

// NewSenderFlow creates a new sender flow instance
func NewSenderFlow(
	registry *tenancy.Registry,
	senderRepo repository.SenderRepository,
	usageRepo repository.SenderUsageRepository,
	phoneHistoryRepo repository.PhoneHistoryRepository,
	provider services.EvolutionClient,
	providerCfg config.ProviderConfig,
	serverCfg config.ServerConfig,
	webhookCfg config.WebhookConfig,
	now utils.Clock,
	logger *zap.Logger,
) SenderFlow {
	if now == nil {
		now = utils.UTCNow
	}
	return &SenderFlowImpl{
		registry:         registry,
		senderRepo:       senderRepo,
		usageRepo:        usageRepo,
		phoneHistoryRepo: phoneHistoryRepo,
		provider:         provider,
		providerCfg:      providerCfg,
		webhookURL:       strings.TrimRight(serverCfg.SiteURL, "/") + webhookCfg.Path,
		secretHeader:     webhookCfg.SecretHeader,
		now:              now,
		logger:           logger.Named("sender_flow"),
	}
}

// CreateSender registers a provider instance with a fresh webhook secret. The secret is
// returned once and never rewritten.
func (s *SenderFlowImpl) CreateSender(ctx context.Context, req *dto.CreateSenderRequest) (*dto.CreateSenderResponse, error) {
	var (
		sender *models.Sender
		secret string
	)
	err := s.registry.Within(ctx, req.TenantID, func(ctx context.Context) error {
		existing, err := s.senderRepo.ByName(ctx, req.TenantID, req.SenderName)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrSenderAlreadyExists
		}

		if s.providerCfg.MaxSenders > 0 {
			count, err := s.senderRepo.Count(ctx, models.SenderFilter{TenantID: &req.TenantID})
			if err != nil {
				return err
			}
			if count >= int64(s.providerCfg.MaxSenders) {
				return ErrSenderLimitReached
			}
		}

		secret, err = utils.RandomHex(utils.SharedSecretBytes)
		if err != nil {
			return err
		}

		name := InstanceName(req.TenantID, req.SenderName)
		created, err := s.provider.CreateInstance(ctx, services.CreateInstanceRequest{
			Name:           name,
			WebhookURL:     s.webhookURL,
			WebhookHeaders: map[string]string{s.secretHeader: secret},
		})
		if err != nil {
			return err
		}

		sender = &models.Sender{
			UUID:            uuid.New(),
			TenantID:        req.TenantID,
			SenderName:      req.SenderName,
			ExternalID:      created.InstanceID,
			SharedSecret:    secret,
			ConnectionState: models.ConnectionStateFromProvider(created.Status),
			LastSyncAt:      utils.ToPtr(s.now()),
			IsActive:        true,
		}
		err = repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
			if err := s.senderRepo.Save(txCtx, sender); err != nil {
				return err
			}
			return s.usageRepo.Ensure(txCtx, req.TenantID, []string{req.SenderName}, s.now())
		})
		if err != nil {
			if delErr := s.provider.DeleteInstance(ctx, name); delErr != nil {
				s.logger.Error("failed to roll back provider instance", zap.String("instance", name), zap.Error(delErr))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("SENDER_CREATION_FAILED", "Sender creation failed", err)
	}

	s.logger.Info("sender created",
		zap.Uint("tenant_id", req.TenantID),
		zap.String("sender", sender.SenderName),
		zap.String("external_id", sender.ExternalID))

	return &dto.CreateSenderResponse{
		Sender:        ToSenderResponse(sender, nil),
		WebhookURL:    s.webhookURL,
		WebhookSecret: secret,
	}, nil
}

// ListSenders returns the tenant's senders with their usage counters
func (s *SenderFlowImpl) ListSenders(ctx context.Context, tenantID uint) ([]dto.SenderResponse, error) {
	out := []dto.SenderResponse{}
	err := s.registry.Within(ctx, tenantID, func(ctx context.Context) error {
		senders, err := s.senderRepo.ByFilter(ctx, models.SenderFilter{TenantID: &tenantID}, "id ASC", 0, 0)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(senders))
		for _, sender := range senders {
			names = append(names, sender.SenderName)
		}
		usages, err := s.usageRepo.ByNames(ctx, tenantID, names)
		if err != nil {
			return err
		}
		byName := make(map[string]*models.SenderUsage, len(usages))
		for _, u := range usages {
			byName[u.SenderName] = u
		}
		for _, sender := range senders {
			out = append(out, ToSenderResponse(sender, byName[sender.SenderName]))
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("SENDER_LIST_FAILED", "Failed to list senders", err)
	}
	return out, nil
}

// GetQR asks the provider for a pairing QR code and stores it on the sender
func (s *SenderFlowImpl) GetQR(ctx context.Context, req *dto.SenderRequest) (*dto.SenderQRResponse, error) {
	var resp *dto.SenderQRResponse
	err := s.withSender(ctx, req.TenantID, req.SenderName, func(ctx context.Context, sender *models.Sender) error {
		if sender.ExternalID == "" {
			return ErrSenderNotProvisioned
		}
		qr, err := s.provider.Connect(ctx, InstanceName(sender.TenantID, sender.SenderName))
		if err != nil {
			return err
		}
		updates := map[string]any{"qr_code": qr.QRCode, "last_sync_at": s.now()}
		if sender.ConnectionState != models.ConnectionConnected {
			updates["connection_state"] = models.ConnectionConnecting
			sender.ConnectionState = models.ConnectionConnecting
		}
		if err := s.senderRepo.UpdateFields(ctx, sender.ID, updates); err != nil {
			return err
		}
		resp = &dto.SenderQRResponse{
			SenderName:      sender.SenderName,
			ConnectionState: string(sender.ConnectionState),
			QRCode:          qr.QRCode,
			PairingCode:     qr.PairingCode,
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("SENDER_QR_FAILED", "Failed to fetch QR code", err)
	}
	return resp, nil
}

// RefreshSender pulls the connection state from the provider
func (s *SenderFlowImpl) RefreshSender(ctx context.Context, req *dto.SenderRequest) (*dto.SenderResponse, error) {
	var resp dto.SenderResponse
	err := s.withSender(ctx, req.TenantID, req.SenderName, func(ctx context.Context, sender *models.Sender) error {
		state, err := s.provider.ConnectionState(ctx, InstanceName(sender.TenantID, sender.SenderName))
		if err != nil {
			return err
		}
		now := s.now()
		sender.ConnectionState = models.ConnectionStateFromProvider(state)
		sender.LastSyncAt = &now
		if err := s.senderRepo.UpdateFields(ctx, sender.ID, map[string]any{
			"connection_state": sender.ConnectionState,
			"last_sync_at":     now,
		}); err != nil {
			return err
		}
		usage, err := s.usageRepo.ByName(ctx, sender.TenantID, sender.SenderName)
		if err != nil {
			return err
		}
		resp = ToSenderResponse(sender, usage)
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("SENDER_REFRESH_FAILED", "Failed to refresh sender", err)
	}
	return &resp, nil
}

// RestartSender restarts the provider instance and puts an auto-disabled sender back
// into the pool. The connection state settles through webhooks.
func (s *SenderFlowImpl) RestartSender(ctx context.Context, req *dto.SenderRequest) (*dto.SenderResponse, error) {
	var resp dto.SenderResponse
	err := s.withSender(ctx, req.TenantID, req.SenderName, func(ctx context.Context, sender *models.Sender) error {
		if err := s.provider.RestartInstance(ctx, InstanceName(sender.TenantID, sender.SenderName)); err != nil {
			return err
		}
		sender.ConnectionState = models.ConnectionConnecting
		sender.IsActive = true
		if err := s.senderRepo.UpdateFields(ctx, sender.ID, map[string]any{
			"connection_state": sender.ConnectionState,
			"is_active":        true,
			"last_sync_at":     s.now(),
		}); err != nil {
			return err
		}
		resp = ToSenderResponse(sender, nil)
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("SENDER_RESTART_FAILED", "Failed to restart sender", err)
	}
	return &resp, nil
}

// CheckNumbers asks the provider which phones have WhatsApp and records the verdict
// in the phone history consulted by dispatch
func (s *SenderFlowImpl) CheckNumbers(ctx context.Context, req *dto.CheckNumbersRequest) (*dto.CheckNumbersResponse, error) {
	resp := &dto.CheckNumbersResponse{Results: []dto.NumberCheckResult{}}
	err := s.withSender(ctx, req.TenantID, req.SenderName, func(ctx context.Context, sender *models.Sender) error {
		if !sender.Eligible() {
			return ErrNoConnectedSender
		}

		normalized := make([]string, 0, len(req.Phones))
		numbers := make([]string, 0, len(req.Phones))
		for _, raw := range req.Phones {
			phone, err := utils.NormalizePhone(raw)
			if err != nil {
				resp.Results = append(resp.Results, dto.NumberCheckResult{Phone: raw, Status: string(models.WhatsAppUnknown)})
				continue
			}
			normalized = append(normalized, phone)
			numbers = append(numbers, utils.ProviderNumber(phone))
		}
		if len(numbers) == 0 {
			return nil
		}

		statuses, err := s.provider.WhatsAppNumbers(ctx, InstanceName(sender.TenantID, sender.SenderName), numbers)
		if err != nil {
			return err
		}
		verdicts := make(map[string]bool, len(statuses))
		for _, st := range statuses {
			if phone, err := utils.NormalizePhone(st.Number); err == nil {
				verdicts[phone] = st.Exists
			}
		}

		for _, phone := range normalized {
			exists, known := verdicts[phone]
			status := models.WhatsAppUnknown
			switch {
			case known && exists:
				status = models.WhatsAppConfirmed
			case known:
				status = models.WhatsAppNotAvailable
			}
			if known {
				if err := s.phoneHistoryRepo.Upsert(ctx, &models.PhoneNumberHistory{
					Phone:          phone,
					WhatsAppStatus: status,
				}); err != nil {
					return err
				}
			}
			resp.Results = append(resp.Results, dto.NumberCheckResult{Phone: phone, Exists: exists, Status: string(status)})
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("NUMBER_CHECK_FAILED", "Failed to check numbers", err)
	}
	return resp, nil
}

// DeleteSender removes the provider instance and the sender row
func (s *SenderFlowImpl) DeleteSender(ctx context.Context, req *dto.SenderRequest) error {
	err := s.withSender(ctx, req.TenantID, req.SenderName, func(ctx context.Context, sender *models.Sender) error {
		if sender.ExternalID != "" {
			err := s.provider.DeleteInstance(ctx, InstanceName(sender.TenantID, sender.SenderName))
			if kind, ok := IsProviderError(err); err != nil && !(ok && kind == services.ProviderErrPermanent) {
				return err
			}
		}
		return s.senderRepo.Delete(ctx, sender.ID)
	})
	if err != nil {
		return NewBusinessError("SENDER_DELETE_FAILED", "Failed to delete sender", err)
	}
	s.logger.Info("sender deleted", zap.Uint("tenant_id", req.TenantID), zap.String("sender", req.SenderName))
	return nil
}

func (s *SenderFlowImpl) withSender(ctx context.Context, tenantID uint, name string, fn func(ctx context.Context, sender *models.Sender) error) error {
	return s.registry.Within(ctx, tenantID, func(ctx context.Context) error {
		sender, err := s.senderRepo.ByName(ctx, tenantID, name)
		if err != nil {
			return err
		}
		if sender == nil {
			return ErrSenderNotFound
		}
		return fn(ctx, sender)
	})
}
