package businessflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/metrics"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/queue"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DispatchOutcome is what one dispatch call did to its target
type DispatchOutcome string

const (
	DispatchSent     DispatchOutcome = "sent"
	DispatchRetry    DispatchOutcome = "retry"
	DispatchFailed   DispatchOutcome = "failed"
	DispatchCanceled DispatchOutcome = "canceled"
	DispatchDeferred DispatchOutcome = "deferred"
	DispatchPaused   DispatchOutcome = "paused"
)

// DispatchResult describes the effect of a DispatchTarget call
type DispatchResult struct {
	Outcome    DispatchOutcome
	SenderName string
	RetryAfter time.Duration
}

// DispatchFlow sends one target through the sender pool and the provider
type DispatchFlow interface {
	DispatchTarget(ctx context.Context, targetUUID uuid.UUID) (*DispatchResult, error)
}

// DispatchFlowImpl implements the dispatch worker
type DispatchFlowImpl struct {
	registry         *tenancy.Registry
	campaignRepo     repository.CampaignRepository
	targetRepo       repository.TargetRepository
	templateRepo     repository.TemplateRepository
	phoneHistoryRepo repository.PhoneHistoryRepository
	settingsRepo     repository.CampaignSettingsRepository
	pool             SenderPool
	provider         services.EvolutionClient
	queue            queue.Queue
	publisher        services.EventPublisher
	finalizer        *campaignFinalizer
	rnd              Randomizer
	now              utils.Clock
	logger           *zap.Logger
}

// NewDispatchFlow creates a new dispatch flow instance
func NewDispatchFlow(
	registry *tenancy.Registry,
	campaignRepo repository.CampaignRepository,
	targetRepo repository.TargetRepository,
	templateRepo repository.TemplateRepository,
	phoneHistoryRepo repository.PhoneHistoryRepository,
	settingsRepo repository.CampaignSettingsRepository,
	pool SenderPool,
	provider services.EvolutionClient,
	q queue.Queue,
	publisher services.EventPublisher,
	rnd Randomizer,
	now utils.Clock,
	logger *zap.Logger,
) DispatchFlow {
	if rnd == nil {
		rnd = DefaultRandom
	}
	if now == nil {
		now = utils.UTCNow
	}
	if publisher == nil {
		publisher = services.NoopPublisher{}
	}
	logger = logger.Named("dispatch_flow")
	return &DispatchFlowImpl{
		registry:         registry,
		campaignRepo:     campaignRepo,
		targetRepo:       targetRepo,
		templateRepo:     templateRepo,
		phoneHistoryRepo: phoneHistoryRepo,
		settingsRepo:     settingsRepo,
		pool:             pool,
		provider:         provider,
		queue:            q,
		publisher:        publisher,
		finalizer:        newCampaignFinalizer(campaignRepo, targetRepo, publisher, now, logger),
		rnd:              rnd,
		now:              now,
		logger:           logger,
	}
}

// DispatchTarget runs one delivery attempt for the target. A target that another
// worker already moved returns ErrTargetConflict without effect.
func (s *DispatchFlowImpl) DispatchTarget(ctx context.Context, targetUUID uuid.UUID) (*DispatchResult, error) {
	var result *DispatchResult
	err := s.registry.WithinOwner(ctx, tenancy.ProbeUUID(&models.Target{}, targetUUID), func(ctx context.Context) error {
		var err error
		result, err = s.dispatch(ctx, targetUUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.DispatchOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

func (s *DispatchFlowImpl) dispatch(ctx context.Context, targetUUID uuid.UUID) (*DispatchResult, error) {
	target, campaign, paused, err := s.claim(ctx, targetUUID)
	if err != nil {
		return nil, err
	}
	if paused {
		return &DispatchResult{Outcome: DispatchPaused}, nil
	}

	log := s.logger.With(
		zap.Uint("tenant_id", target.TenantID),
		zap.String("campaign", campaign.UUID.String()),
		zap.String("target", target.UUID.String()),
	)

	now := s.now()
	history, err := s.phoneHistoryRepo.ByPhone(ctx, target.Phone)
	if err != nil {
		return nil, err
	}
	if history != nil && history.BlocksDispatch(now, utils.PhoneHistoryTTL) {
		reason := "recipient has no WhatsApp account"
		if history.IsFlagged {
			reason = "recipient is flagged"
		}
		log.Debug("target skipped by phone history", zap.String("reason", reason))
		return s.skip(ctx, target, campaign, reason)
	}

	if _, err := utils.NormalizePhone(target.Phone); err != nil {
		return s.failValidation(ctx, target, campaign, fmt.Sprintf("invalid phone number %q", target.Phone))
	}
	tpl, err := s.templateRepo.ByID(ctx, campaign.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil || strings.TrimSpace(tpl.Content) == "" {
		return s.failValidation(ctx, target, campaign, ErrTemplateEmpty.Error())
	}

	settings, _, err := loadSettings(ctx, s.settingsRepo, campaign.TenantID)
	if err != nil {
		return nil, err
	}

	sender, err := s.pool.Select(ctx, settings, campaign)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return s.deferTarget(ctx, target, settings.MinDelay())
	}
	log = log.With(zap.String("sender", sender.SenderName))

	body := RenderTemplate(PickVariant(tpl, s.rnd), target.MemberData)
	if _, err := s.targetRepo.CompareAndSwapState(ctx, target.ID,
		[]models.TargetState{models.TargetStateSending}, models.TargetStateSending,
		map[string]any{
			"final_rendered_message": body,
			"sender_name":            sender.SenderName,
		}); err != nil {
		return nil, err
	}

	res, sendErr := s.provider.SendText(ctx, InstanceName(sender.TenantID, sender.SenderName), utils.ProviderNumber(target.Phone), body)
	outcome := OutcomeFromError(sendErr)

	attempt := models.AttemptRecord{
		Attempt: target.RetryCount + 1,
		At:      s.now(),
		Sender:  sender.SenderName,
		OK:      sendErr == nil,
	}
	if sendErr == nil && res != nil {
		attempt.MessageID = res.MessageID
	}
	if pe, ok := services.AsProviderError(sendErr); ok {
		attempt.Kind = string(pe.Kind)
		attempt.Status = pe.Status
		attempt.Detail = pe.Detail
	} else if sendErr != nil {
		attempt.Kind = string(services.ProviderErrTransient)
		attempt.Detail = sendErr.Error()
	}
	attempts := append(append(models.AttemptLog{}, target.ProviderResponse...), attempt)

	result, err := s.settle(ctx, target, campaign, sender, outcome, sendErr, attempt, attempts)
	if err != nil {
		return nil, err
	}

	if err := s.pool.Record(ctx, settings, sender, outcome); err != nil {
		log.Error("failed to record sender usage", zap.Error(err))
	}

	switch result.Outcome {
	case DispatchSent:
		log.Info("target sent", zap.String("message_id", attempt.MessageID))
	case DispatchRetry:
		log.Warn("target send failed, retry scheduled", zap.Duration("retry_after", result.RetryAfter), zap.Error(sendErr))
	case DispatchFailed:
		log.Warn("target failed", zap.String("kind", string(outcome)), zap.Error(sendErr))
	}

	if result.Outcome == DispatchSent || result.Outcome == DispatchFailed {
		if _, err := s.finalizer.finalizeIfDone(ctx, campaign.ID); err != nil {
			log.Error("failed to finalize campaign", zap.Error(err))
		}
	}
	return result, nil
}

// claim moves the target to sending inside one transaction. For a campaign that is
// not running it returns a scheduled target to queued and reports paused.
func (s *DispatchFlowImpl) claim(ctx context.Context, targetUUID uuid.UUID) (*models.Target, *models.Campaign, bool, error) {
	var (
		target   *models.Target
		campaign *models.Campaign
		paused   bool
	)
	err := repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
		t, err := s.targetRepo.ByUUID(txCtx, targetUUID)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrTargetNotFound
		}
		c, err := s.campaignRepo.ByID(txCtx, t.CampaignID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCampaignNotFound
		}

		if c.Status != models.CampaignStatusRunning {
			paused = true
			if t.State == models.TargetStateScheduled {
				_, err := s.targetRepo.CompareAndSwapState(txCtx, t.ID,
					[]models.TargetState{models.TargetStateScheduled}, models.TargetStateQueued,
					map[string]any{"scheduled_at": nil})
				return err
			}
			return nil
		}

		ok, err := s.targetRepo.CompareAndSwapState(txCtx, t.ID,
			[]models.TargetState{models.TargetStateQueued, models.TargetStateScheduled}, models.TargetStateSending,
			map[string]any{"sending_started_at": s.now()})
		if err != nil {
			return err
		}
		if !ok {
			return ErrTargetConflict
		}
		t.State = models.TargetStateSending
		target, campaign = t, c
		return nil
	})
	return target, campaign, paused, err
}

// settle writes the provider outcome onto the target with a CAS on sending
func (s *DispatchFlowImpl) settle(
	ctx context.Context,
	target *models.Target,
	campaign *models.Campaign,
	sender *models.Sender,
	outcome SendOutcome,
	sendErr error,
	attempt models.AttemptRecord,
	attempts models.AttemptLog,
) (*DispatchResult, error) {
	now := s.now()
	result := &DispatchResult{SenderName: sender.SenderName}
	event := services.OutcomeEvent{
		TenantID:     target.TenantID,
		CampaignUUID: campaign.UUID.String(),
		TargetUUID:   target.UUID.String(),
		Phone:        target.Phone,
		SenderName:   sender.SenderName,
	}
	sending := []models.TargetState{models.TargetStateSending}

	if outcome == OutcomeSuccess {
		ok, err := s.targetRepo.CompareAndSwapState(ctx, target.ID, sending, models.TargetStateSent, map[string]any{
			"sent_at":           now,
			"provider_response": attempts,
			"last_error":        "",
			"next_attempt_at":   nil,
		})
		if err != nil {
			return nil, err
		}
		result.Outcome = DispatchSent
		if ok {
			if err := s.campaignRepo.IncrementTotals(ctx, campaign.ID, 1, 0); err != nil {
				return nil, err
			}
			event.Type = services.EventTargetSent
			event.MessageID = attempt.MessageID
			event.RetryCount = target.RetryCount
			publishEvent(ctx, s.publisher, s.logger, event, now)
		}
		return result, nil
	}

	retryCount := target.RetryCount + 1
	lastError := sendErr.Error()
	event.RetryCount = retryCount
	event.Error = lastError

	if outcome.Retryable() && retryCount < campaign.MaxRetries {
		backoff := utils.RetryBackoff(retryCount)
		ok, err := s.targetRepo.CompareAndSwapState(ctx, target.ID, sending, models.TargetStateQueued, map[string]any{
			"retry_count":        retryCount,
			"last_error":         lastError,
			"provider_response":  attempts,
			"next_attempt_at":    now.Add(backoff),
			"scheduled_at":       nil,
			"sending_started_at": nil,
		})
		if err != nil {
			return nil, err
		}
		result.Outcome = DispatchRetry
		result.RetryAfter = backoff
		if ok {
			if err := s.queue.Enqueue(ctx, queue.NewTask(queue.KindDispatch, target.UUID), backoff); err != nil {
				s.logger.Error("failed to enqueue retry", zap.String("target", target.UUID.String()), zap.Error(err))
			}
			event.Type = services.EventTargetRetry
			publishEvent(ctx, s.publisher, s.logger, event, now)
		}
		return result, nil
	}

	ok, err := s.targetRepo.CompareAndSwapState(ctx, target.ID, sending, models.TargetStateFailed, map[string]any{
		"retry_count":       retryCount,
		"last_error":        lastError,
		"provider_response": attempts,
		"next_attempt_at":   nil,
	})
	if err != nil {
		return nil, err
	}
	result.Outcome = DispatchFailed
	if ok {
		if err := s.campaignRepo.IncrementTotals(ctx, campaign.ID, 0, 1); err != nil {
			return nil, err
		}
		event.Type = services.EventTargetFailed
		publishEvent(ctx, s.publisher, s.logger, event, now)
	}
	return result, nil
}

// deferTarget returns the target to queued when no sender can take it
func (s *DispatchFlowImpl) deferTarget(ctx context.Context, target *models.Target, delay time.Duration) (*DispatchResult, error) {
	ok, err := s.targetRepo.CompareAndSwapState(ctx, target.ID,
		[]models.TargetState{models.TargetStateSending}, models.TargetStateQueued,
		map[string]any{
			"next_attempt_at":    s.now().Add(delay),
			"scheduled_at":       nil,
			"sending_started_at": nil,
		})
	if err != nil {
		return nil, err
	}
	if ok {
		if err := s.queue.Enqueue(ctx, queue.NewTask(queue.KindDispatch, target.UUID), delay); err != nil {
			s.logger.Error("failed to enqueue deferred dispatch", zap.String("target", target.UUID.String()), zap.Error(err))
		}
	}
	s.logger.Debug("no eligible sender, target deferred", zap.String("target", target.UUID.String()), zap.Duration("delay", delay))
	return &DispatchResult{Outcome: DispatchDeferred, RetryAfter: delay}, nil
}

func (s *DispatchFlowImpl) skip(ctx context.Context, target *models.Target, campaign *models.Campaign, reason string) (*DispatchResult, error) {
	ok, err := s.targetRepo.CompareAndSwapState(ctx, target.ID,
		[]models.TargetState{models.TargetStateSending}, models.TargetStateCanceled,
		map[string]any{"last_error": reason})
	if err != nil {
		return nil, err
	}
	if ok {
		publishEvent(ctx, s.publisher, s.logger, services.OutcomeEvent{
			Type:         services.EventTargetCanceled,
			TenantID:     target.TenantID,
			CampaignUUID: campaign.UUID.String(),
			TargetUUID:   target.UUID.String(),
			Phone:        target.Phone,
			Error:        reason,
		}, s.now())
		if _, err := s.finalizer.finalizeIfDone(ctx, campaign.ID); err != nil {
			s.logger.Error("failed to finalize campaign", zap.String("campaign", campaign.UUID.String()), zap.Error(err))
		}
	}
	return &DispatchResult{Outcome: DispatchCanceled}, nil
}

// failValidation fails a target that can never be sent as stored
func (s *DispatchFlowImpl) failValidation(ctx context.Context, target *models.Target, campaign *models.Campaign, reason string) (*DispatchResult, error) {
	ok, err := s.targetRepo.CompareAndSwapState(ctx, target.ID,
		[]models.TargetState{models.TargetStateSending}, models.TargetStateFailed,
		map[string]any{"last_error": reason})
	if err != nil {
		return nil, err
	}
	if ok {
		if err := s.campaignRepo.IncrementTotals(ctx, campaign.ID, 0, 1); err != nil {
			return nil, err
		}
		publishEvent(ctx, s.publisher, s.logger, services.OutcomeEvent{
			Type:         services.EventTargetFailed,
			TenantID:     target.TenantID,
			CampaignUUID: campaign.UUID.String(),
			TargetUUID:   target.UUID.String(),
			Phone:        target.Phone,
			Error:        reason,
		}, s.now())
		if _, err := s.finalizer.finalizeIfDone(ctx, campaign.ID); err != nil {
			s.logger.Error("failed to finalize campaign", zap.String("campaign", campaign.UUID.String()), zap.Error(err))
		}
	}
	s.logger.Warn("target failed validation", zap.String("target", target.UUID.String()), zap.String("reason", reason))
	return &DispatchResult{Outcome: DispatchFailed}, nil
}
