package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/queue"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries   = 3
	materializePageSize = 500
	errorSheetName      = "Errors"
)

// CampaignFlow handles the campaign lifecycle and the per-campaign batch loop
type CampaignFlow interface {
	CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest) (*dto.CampaignResponse, error)
	StartCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	PauseCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	ResumeCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	CancelCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	MarkNonRecoverable(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	RequeueFailed(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	GetCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignResponse, error)
	ListCampaigns(ctx context.Context, req *dto.ListCampaignsRequest) (*dto.ListCampaignsResponse, error)
	ExportErrors(ctx context.Context, req *dto.CampaignActionRequest) (string, []byte, error)

	// Background entry points
	RunBatch(ctx context.Context, campaignUUID, token uuid.UUID) error
	PromoteDue(ctx context.Context) (int, error)
	RecoverStalled(ctx context.Context) (int, error)
	SweepStuckTargets(ctx context.Context) (int64, error)
}

// CampaignFlowImpl implements the campaign business flow
type CampaignFlowImpl struct {
	registry     *tenancy.Registry
	campaignRepo repository.CampaignRepository
	targetRepo   repository.TargetRepository
	templateRepo repository.TemplateRepository
	audienceRepo repository.AudienceRepository
	senderRepo   repository.SenderRepository
	settingsRepo repository.CampaignSettingsRepository
	queue        queue.Queue
	finalizer    *campaignFinalizer
	cfg          config.DispatcherConfig
	rnd          Randomizer
	now          utils.Clock
	logger       *zap.Logger
}

// NewCampaignFlow creates a new campaign flow instance
func NewCampaignFlow(
	registry *tenancy.Registry,
	campaignRepo repository.CampaignRepository,
	targetRepo repository.TargetRepository,
	templateRepo repository.TemplateRepository,
	audienceRepo repository.AudienceRepository,
	senderRepo repository.SenderRepository,
	settingsRepo repository.CampaignSettingsRepository,
	q queue.Queue,
	publisher services.EventPublisher,
	cfg config.DispatcherConfig,
	rnd Randomizer,
	now utils.Clock,
	logger *zap.Logger,
) CampaignFlow {
	if rnd == nil {
		rnd = DefaultRandom
	}
	if now == nil {
		now = utils.UTCNow
	}
	logger = logger.Named("campaign_flow")
	return &CampaignFlowImpl{
		registry:     registry,
		campaignRepo: campaignRepo,
		targetRepo:   targetRepo,
		templateRepo: templateRepo,
		audienceRepo: audienceRepo,
		senderRepo:   senderRepo,
		settingsRepo: settingsRepo,
		queue:        q,
		finalizer:    newCampaignFinalizer(campaignRepo, targetRepo, publisher, now, logger),
		cfg:          cfg,
		rnd:          rnd,
		now:          now,
		logger:       logger,
	}
}

// CreateCampaign stores a draft campaign bound to a template and an audience
func (s *CampaignFlowImpl) CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest) (*dto.CampaignResponse, error) {
	if req.MinDelayMinutes > req.MaxDelayMinutes {
		return nil, NewBusinessError("CAMPAIGN_VALIDATION_FAILED", "Campaign validation failed", ErrInvalidDelayRange)
	}
	if req.RatePerHour < 1 {
		return nil, NewBusinessError("CAMPAIGN_VALIDATION_FAILED", "Campaign validation failed", ErrInvalidRate)
	}

	var campaign *models.Campaign
	err := s.registry.Within(ctx, req.TenantID, func(ctx context.Context) error {
		tplID, err := parseUUID(req.TemplateUUID, ErrTemplateNotFound)
		if err != nil {
			return err
		}
		tpl, err := s.templateRepo.ByUUID(ctx, tplID)
		if err != nil {
			return err
		}
		if tpl == nil || tpl.TenantID != req.TenantID {
			return ErrTemplateNotFound
		}

		audID, err := parseUUID(req.AudienceUUID, ErrAudienceNotFound)
		if err != nil {
			return err
		}
		audience, err := s.audienceRepo.ByUUID(ctx, audID)
		if err != nil {
			return err
		}
		if audience == nil || audience.TenantID != req.TenantID {
			return ErrAudienceNotFound
		}

		for _, name := range req.SenderNames {
			sender, err := s.senderRepo.ByName(ctx, req.TenantID, name)
			if err != nil {
				return err
			}
			if sender == nil {
				return fmt.Errorf("%w: %s", ErrSenderNotFound, name)
			}
		}

		maxRetries := defaultMaxRetries
		if req.MaxRetries != nil {
			maxRetries = *req.MaxRetries
		}
		startAt := req.StartAt
		if startAt != nil {
			startAt = utils.ToPtr(startAt.UTC())
		}

		campaign = &models.Campaign{
			UUID:            uuid.New(),
			TenantID:        req.TenantID,
			Name:            req.Name,
			Owner:           req.Owner,
			TemplateID:      tpl.ID,
			AudienceID:      audience.ID,
			SenderNames:     req.SenderNames,
			StartAt:         startAt,
			Status:          models.CampaignStatusDraft,
			RatePerHour:     req.RatePerHour,
			MinDelayMinutes: req.MinDelayMinutes,
			MaxDelayMinutes: req.MaxDelayMinutes,
			MaxRetries:      maxRetries,
		}

		return repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
			if err := s.campaignRepo.Save(txCtx, campaign); err != nil {
				return err
			}
			return s.templateRepo.Link(txCtx, campaign.ID, tpl.ID, 1)
		})
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_CREATION_FAILED", "Campaign creation failed", err)
	}

	s.logger.Info("campaign created", zap.Uint("tenant_id", req.TenantID), zap.String("campaign", campaign.UUID.String()))
	resp := ToCampaignResponse(campaign)
	return &resp, nil
}

// StartCampaign validates the campaign, materializes its targets and starts or schedules it
func (s *CampaignFlowImpl) StartCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	var (
		campaign *models.Campaign
		inserted int64
		startNow bool
	)
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		if c.Status != models.CampaignStatusDraft {
			return ErrInvalidTransition
		}
		if err := s.validateStart(ctx, c); err != nil {
			return err
		}

		now := s.now()
		startNow = c.StartAt == nil || !c.StartAt.After(now)

		err := repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
			n, err := s.materializeTargets(txCtx, c)
			if err != nil {
				return err
			}
			inserted = n

			if !startNow {
				ok, err := s.campaignRepo.TransitionStatus(txCtx, c.ID, []models.CampaignStatus{models.CampaignStatusDraft}, models.CampaignStatusScheduled, nil)
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvalidTransition
				}
				c.Status = models.CampaignStatusScheduled
				return nil
			}

			ok, err := s.campaignRepo.TransitionStatus(txCtx, c.ID, []models.CampaignStatus{models.CampaignStatusDraft}, models.CampaignStatusRunning, map[string]any{
				"started_at": now,
			})
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvalidTransition
			}
			c.Status = models.CampaignStatusRunning
			c.StartedAt = &now
			return nil
		})
		if err != nil {
			return err
		}

		if startNow {
			if err := s.scheduleBatch(ctx, c, 0); err != nil {
				// the stalled-loop recovery picks the campaign up again
				s.logger.Error("failed to schedule first batch", zap.String("campaign", c.UUID.String()), zap.Error(err))
			}
		}
		campaign = c
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_START_FAILED", "Campaign start failed", err)
	}

	s.logger.Info("campaign started",
		zap.String("campaign", campaign.UUID.String()),
		zap.String("status", campaign.Status.String()),
		zap.Int64("targets", inserted))

	return &dto.CampaignActionResponse{
		Message:  "Campaign started successfully",
		UUID:     campaign.UUID.String(),
		Status:   campaign.Status.String(),
		Affected: inserted,
	}, nil
}

func (s *CampaignFlowImpl) validateStart(ctx context.Context, c *models.Campaign) error {
	tpl, err := s.templateRepo.ByID(ctx, c.TemplateID)
	if err != nil {
		return err
	}
	if tpl == nil {
		return ErrTemplateNotFound
	}
	if strings.TrimSpace(tpl.Content) == "" {
		return ErrTemplateEmpty
	}

	members, err := s.audienceRepo.CountMembers(ctx, c.AudienceID)
	if err != nil {
		return err
	}
	if members == 0 {
		return ErrAudienceEmpty
	}

	filter := models.SenderFilter{
		TenantID:        &c.TenantID,
		IsActive:        utils.ToPtr(true),
		ConnectionState: utils.ToPtr(models.ConnectionConnected),
		SenderNames:     c.SenderNames,
	}
	senders, err := s.senderRepo.ByFilter(ctx, filter, "id ASC", 0, 0)
	if err != nil {
		return err
	}
	for _, sender := range senders {
		if sender.Eligible() {
			return nil
		}
	}
	return ErrNoConnectedSender
}

// materializeTargets creates one queued target per audience member; reruns are no-ops
func (s *CampaignFlowImpl) materializeTargets(ctx context.Context, c *models.Campaign) (int64, error) {
	var inserted int64
	for offset := 0; ; offset += materializePageSize {
		members, err := s.audienceRepo.Members(ctx, c.AudienceID, materializePageSize, offset)
		if err != nil {
			return inserted, err
		}
		if len(members) == 0 {
			return inserted, nil
		}

		targets := make([]*models.Target, 0, len(members))
		for _, m := range members {
			phone, err := utils.NormalizePhone(m.Phone)
			if err != nil {
				// kept verbatim so dispatch fails it with a visible validation error
				phone = m.Phone
			}
			data := make(map[string]string, len(m.Data))
			for k, v := range m.Data {
				data[k] = v
			}
			targets = append(targets, &models.Target{
				UUID:       uuid.New(),
				TenantID:   c.TenantID,
				CampaignID: c.ID,
				Phone:      phone,
				State:      models.TargetStateQueued,
				MemberData: data,
			})
		}
		n, err := s.targetRepo.InsertIgnoreDuplicates(ctx, targets)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert targets: %w", err)
		}
		inserted += n

		if len(members) < materializePageSize {
			return inserted, nil
		}
	}
}

// PauseCampaign stops handing out new work; sends already in flight finish
func (s *CampaignFlowImpl) PauseCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	var campaign *models.Campaign
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		ok, err := s.campaignRepo.TransitionStatus(ctx, c.ID, []models.CampaignStatus{models.CampaignStatusRunning}, models.CampaignStatusPaused, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		c.Status = models.CampaignStatusPaused
		campaign = c
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_PAUSE_FAILED", "Campaign pause failed", err)
	}

	return &dto.CampaignActionResponse{
		Message: "Campaign paused successfully",
		UUID:    campaign.UUID.String(),
		Status:  campaign.Status.String(),
	}, nil
}

// ResumeCampaign puts a paused campaign back to running with a fresh batch loop
func (s *CampaignFlowImpl) ResumeCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	var campaign *models.Campaign
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		ok, err := s.campaignRepo.TransitionStatus(ctx, c.ID, []models.CampaignStatus{models.CampaignStatusPaused}, models.CampaignStatusRunning, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		c.Status = models.CampaignStatusRunning
		campaign = c
		return s.scheduleBatch(ctx, c, 0)
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_RESUME_FAILED", "Campaign resume failed", err)
	}

	return &dto.CampaignActionResponse{
		Message: "Campaign resumed successfully",
		UUID:    campaign.UUID.String(),
		Status:  campaign.Status.String(),
	}, nil
}

// CancelCampaign cancels every target not yet handed to the provider and finalizes
// the campaign once nothing is in flight
func (s *CampaignFlowImpl) CancelCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	var (
		campaign *models.Campaign
		canceled int64
	)
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		switch c.Status {
		case models.CampaignStatusScheduled, models.CampaignStatusRunning, models.CampaignStatusPaused:
		default:
			return ErrInvalidTransition
		}

		n, err := s.targetRepo.CancelOpen(ctx, c.ID, "campaign canceled by operator")
		if err != nil {
			return err
		}
		canceled = n

		if _, err := s.finalizer.finalizeIfDone(ctx, c.ID); err != nil {
			return err
		}
		campaign, err = s.campaignRepo.ByID(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_CANCEL_FAILED", "Campaign cancellation failed", err)
	}

	s.logger.Info("campaign canceled", zap.String("campaign", campaign.UUID.String()), zap.Int64("targets_canceled", canceled))
	return &dto.CampaignActionResponse{
		Message:  "Campaign canceled successfully",
		UUID:     campaign.UUID.String(),
		Status:   campaign.Status.String(),
		Affected: canceled,
	}, nil
}

// MarkNonRecoverable flags the campaign so that it ends failed when any target failed
func (s *CampaignFlowImpl) MarkNonRecoverable(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	var campaign *models.Campaign
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		if c.Status.Terminal() {
			return ErrInvalidTransition
		}
		if err := s.campaignRepo.UpdateFields(ctx, c.ID, map[string]any{"non_recoverable": true}); err != nil {
			return err
		}
		if _, err := s.finalizer.finalizeIfDone(ctx, c.ID); err != nil {
			return err
		}
		var err error
		campaign, err = s.campaignRepo.ByID(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_MARK_FAILED", "Failed to flag campaign", err)
	}

	return &dto.CampaignActionResponse{
		Message: "Campaign marked non-recoverable",
		UUID:    campaign.UUID.String(),
		Status:  campaign.Status.String(),
	}, nil
}

// RequeueFailed gives failed targets with retry budget left another round
func (s *CampaignFlowImpl) RequeueFailed(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	var (
		campaign *models.Campaign
		requeued int64
	)
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		if c.Status != models.CampaignStatusRunning && c.Status != models.CampaignStatusPaused {
			return ErrInvalidTransition
		}
		err := repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
			n, err := s.targetRepo.RequeueFailed(txCtx, c.ID, c.MaxRetries)
			if err != nil {
				return err
			}
			// requeued targets leave the failed total; they are counted again on their next outcome
			if err := s.campaignRepo.IncrementTotals(txCtx, c.ID, 0, -int(n)); err != nil {
				return err
			}
			requeued = n
			return nil
		})
		if err != nil {
			return err
		}
		campaign, err = s.campaignRepo.ByID(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_REQUEUE_FAILED", "Failed to requeue targets", err)
	}

	return &dto.CampaignActionResponse{
		Message:  "Failed targets requeued",
		UUID:     campaign.UUID.String(),
		Status:   campaign.Status.String(),
		Affected: requeued,
	}, nil
}

// GetCampaign returns one campaign with its target state breakdown
func (s *CampaignFlowImpl) GetCampaign(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignResponse, error) {
	var resp dto.CampaignResponse
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		resp = ToCampaignResponse(c)
		resp.Targets = make(map[string]int64)
		for _, state := range []models.TargetState{
			models.TargetStateQueued, models.TargetStateScheduled, models.TargetStateSending,
			models.TargetStateSent, models.TargetStateFailed, models.TargetStateCanceled,
		} {
			st := state
			n, err := s.targetRepo.Count(ctx, models.TargetFilter{CampaignID: &c.ID, State: &st})
			if err != nil {
				return err
			}
			resp.Targets[st.String()] = n
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to lookup campaign", err)
	}
	return &resp, nil
}

// ListCampaigns returns a page of the tenant's campaigns, newest first
func (s *CampaignFlowImpl) ListCampaigns(ctx context.Context, req *dto.ListCampaignsRequest) (*dto.ListCampaignsResponse, error) {
	offset := req.Normalize()
	filter := models.CampaignFilter{TenantID: &req.TenantID}
	if req.Status != "" {
		status := models.CampaignStatus(req.Status)
		filter.Status = &status
	}

	resp := &dto.ListCampaignsResponse{Items: []dto.CampaignResponse{}}
	err := s.registry.Within(ctx, req.TenantID, func(ctx context.Context) error {
		total, err := s.campaignRepo.Count(ctx, filter)
		if err != nil {
			return err
		}
		rows, err := s.campaignRepo.ByFilter(ctx, filter, "id DESC", req.Limit, offset)
		if err != nil {
			return err
		}
		for _, c := range rows {
			resp.Items = append(resp.Items, ToCampaignResponse(c))
		}
		resp.Pagination = dto.NewPaginationInfo(total, req.Page, req.Limit)
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LIST_FAILED", "Failed to list campaigns", err)
	}
	return resp, nil
}

// ExportErrors renders failed and canceled targets as an XLSX error log
func (s *CampaignFlowImpl) ExportErrors(ctx context.Context, req *dto.CampaignActionRequest) (string, []byte, error) {
	var (
		filename string
		rows     []*models.Target
	)
	err := s.withCampaign(ctx, req, func(ctx context.Context, c *models.Campaign) error {
		filename = fmt.Sprintf("campaign_%s_errors.xlsx", c.UUID.String())
		var err error
		rows, err = s.targetRepo.ByFilter(ctx, models.TargetFilter{
			CampaignID: &c.ID,
			States:     []models.TargetState{models.TargetStateFailed, models.TargetStateCanceled},
		}, "id ASC", 0, 0)
		return err
	})
	if err != nil {
		return "", nil, NewBusinessError("CAMPAIGN_EXPORT_FAILED", "Failed to export campaign errors", err)
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()
	xl.SetSheetName(xl.GetSheetName(0), errorSheetName)

	header := []any{"Row", "Error", "Row Data"}
	if err := xl.SetSheetRow(errorSheetName, "A1", &header); err != nil {
		return "", nil, NewBusinessError("CAMPAIGN_EXPORT_FAILED", "Failed to export campaign errors", err)
	}
	for i, t := range rows {
		data := map[string]string{"phone": t.Phone}
		for k, v := range t.MemberData {
			data[k] = v
		}
		raw, _ := json.Marshal(data)
		record := []any{i + 1, t.LastError, string(raw)}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := xl.SetSheetRow(errorSheetName, cell, &record); err != nil {
			return "", nil, NewBusinessError("CAMPAIGN_EXPORT_FAILED", "Failed to export campaign errors", err)
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, NewBusinessError("CAMPAIGN_EXPORT_FAILED", "Failed to export campaign errors", err)
	}
	return filename, buf.Bytes(), nil
}

// RunBatch is the batch-loop task. Only the task carrying the campaign's current
// batch token runs; every other copy is dropped.
func (s *CampaignFlowImpl) RunBatch(ctx context.Context, campaignUUID, token uuid.UUID) error {
	return s.registry.WithinOwner(ctx, tenancy.ProbeUUID(&models.Campaign{}, campaignUUID), func(ctx context.Context) error {
		c, err := s.campaignRepo.ByUUID(ctx, campaignUUID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCampaignNotFound
		}
		log := s.logger.With(zap.String("campaign", c.UUID.String()))

		consumed, err := s.campaignRepo.ConsumeBatchToken(ctx, c.ID, token)
		if err != nil {
			return err
		}
		if !consumed {
			log.Debug("stale batch task dropped")
			return nil
		}
		if c.Status != models.CampaignStatusRunning {
			log.Debug("batch loop stops, campaign not running", zap.String("status", c.Status.String()))
			return nil
		}

		now := s.now()
		inFlight, err := s.targetRepo.Count(ctx, models.TargetFilter{CampaignID: &c.ID, States: models.InFlightTargetStates})
		if err != nil {
			return err
		}
		// a queued target inside its backoff still has a dispatch task pending
		backingOff, err := s.targetRepo.Count(ctx, models.TargetFilter{CampaignID: &c.ID, BackoffAfter: &now})
		if err != nil {
			return err
		}
		inFlight += backingOff
		if inFlight > 0 {
			log.Debug("previous batch still in flight", zap.Int64("in_flight", inFlight), zap.Int64("backing_off", backingOff))
			return s.scheduleBatch(ctx, c, utils.BatchBusyRetry)
		}

		open, err := s.targetRepo.Count(ctx, models.TargetFilter{CampaignID: &c.ID, States: models.OpenTargetStates})
		if err != nil {
			return err
		}
		if open == 0 {
			_, err := s.finalizer.finalizeIfDone(ctx, c.ID)
			return err
		}

		sent, err := s.targetRepo.CountSentSince(ctx, c.ID, now.Add(-time.Hour))
		if err != nil {
			return err
		}
		budget := int64(c.RatePerHour) - sent - inFlight
		if budget <= 0 {
			log.Debug("hourly budget exhausted", zap.Int64("sent_last_hour", sent))
			return s.scheduleBatch(ctx, c, utils.BatchInterval)
		}

		due, err := s.targetRepo.ByFilter(ctx, models.TargetFilter{CampaignID: &c.ID, DueBefore: &now}, "id ASC", int(budget), 0)
		if err != nil {
			return err
		}

		settings, _, err := loadSettings(ctx, s.settingsRepo, c.TenantID)
		if err != nil {
			return err
		}

		handed := s.handOff(ctx, c, settings, due, now)
		log.Info("batch scheduled", zap.Int("targets", handed), zap.Int64("budget", budget))

		return s.scheduleBatch(ctx, c, utils.BatchInterval)
	})
}

// handOff moves each target to scheduled with a cumulative randomized delay and
// enqueues its dispatch task
func (s *CampaignFlowImpl) handOff(ctx context.Context, c *models.Campaign, settings *models.TenantCampaignSettings, targets []*models.Target, now time.Time) int {
	minDelay := time.Duration(c.MinDelayMinutes) * time.Minute
	maxDelay := time.Duration(c.MaxDelayMinutes) * time.Minute

	var offset time.Duration
	handed := 0
	for i, t := range targets {
		if i > 0 {
			offset += uniformDuration(s.rnd, minDelay, maxDelay)
			if settings.UseJitter {
				offset += uniformDuration(s.rnd, time.Duration(settings.MinDelaySeconds)*time.Second, time.Duration(settings.MaxDelaySeconds)*time.Second)
			}
		}
		at := now.Add(offset)

		ok, err := s.targetRepo.CompareAndSwapState(ctx, t.ID, []models.TargetState{models.TargetStateQueued}, models.TargetStateScheduled, map[string]any{
			"scheduled_at":    at,
			"next_attempt_at": nil,
		})
		if err != nil {
			s.logger.Error("failed to schedule target", zap.String("target", t.UUID.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := s.queue.Enqueue(ctx, queue.NewTask(queue.KindDispatch, t.UUID), offset); err != nil {
			// the janitor returns the target to queued once it is overdue
			s.logger.Error("failed to enqueue dispatch", zap.String("target", t.UUID.String()), zap.Error(err))
			continue
		}
		handed++
	}
	return handed
}

// PromoteDue starts scheduled campaigns whose start time has passed
func (s *CampaignFlowImpl) PromoteDue(ctx context.Context) (int, error) {
	promoted := 0
	err := s.registry.Each(ctx, func(ctx context.Context, tenantID uint) error {
		now := s.now()
		status := models.CampaignStatusScheduled
		due, err := s.campaignRepo.ByFilter(ctx, models.CampaignFilter{
			TenantID:      &tenantID,
			Status:        &status,
			StartAtBefore: &now,
		}, "id ASC", 0, 0)
		if err != nil {
			return err
		}
		for _, c := range due {
			ok, err := s.campaignRepo.TransitionStatus(ctx, c.ID, []models.CampaignStatus{models.CampaignStatusScheduled}, models.CampaignStatusRunning, map[string]any{
				"started_at": now,
			})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := s.scheduleBatch(ctx, c, 0); err != nil {
				s.logger.Error("failed to schedule first batch", zap.String("campaign", c.UUID.String()), zap.Error(err))
				continue
			}
			promoted++
			s.logger.Info("scheduled campaign started", zap.String("campaign", c.UUID.String()))
		}
		return nil
	})
	return promoted, err
}

// RecoverStalled restarts batch loops of running campaigns whose next batch is long overdue
func (s *CampaignFlowImpl) RecoverStalled(ctx context.Context) (int, error) {
	recovered := 0
	err := s.registry.Each(ctx, func(ctx context.Context, tenantID uint) error {
		cutoff := s.now().Add(-s.cfg.BatchRecoveryGrace)
		stalled, err := s.campaignRepo.ByFilter(ctx, models.CampaignFilter{
			TenantID:     &tenantID,
			BatchOverdue: &cutoff,
		}, "id ASC", 0, 0)
		if err != nil {
			return err
		}
		for _, c := range stalled {
			if err := s.scheduleBatch(ctx, c, 0); err != nil {
				s.logger.Error("failed to recover batch loop", zap.String("campaign", c.UUID.String()), zap.Error(err))
				continue
			}
			recovered++
			s.logger.Warn("stalled batch loop recovered", zap.String("campaign", c.UUID.String()))
		}
		return nil
	})
	return recovered, err
}

// SweepStuckTargets returns targets abandoned in sending or scheduled to queued
func (s *CampaignFlowImpl) SweepStuckTargets(ctx context.Context) (int64, error) {
	var total int64
	err := s.registry.Each(ctx, func(ctx context.Context, tenantID uint) error {
		n, err := s.targetRepo.ResetStale(ctx, s.now().Add(-s.cfg.JanitorStuckAfter))
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Warn("stuck targets returned to queued", zap.Uint("tenant_id", tenantID), zap.Int64("targets", n))
		}
		total += n
		return nil
	})
	return total, err
}

// scheduleBatch issues a fresh batch token and enqueues the task that carries it
func (s *CampaignFlowImpl) scheduleBatch(ctx context.Context, c *models.Campaign, delay time.Duration) error {
	token := uuid.New()
	if err := s.campaignRepo.SetBatchToken(ctx, c.ID, token, s.now().Add(delay)); err != nil {
		return fmt.Errorf("failed to set batch token: %w", err)
	}
	task := queue.NewTask(queue.KindRunBatch, c.UUID)
	task.Token = token
	return s.queue.Enqueue(ctx, task, delay)
}

// withCampaign resolves the caller's campaign under the tenant scope
func (s *CampaignFlowImpl) withCampaign(ctx context.Context, req *dto.CampaignActionRequest, fn func(ctx context.Context, c *models.Campaign) error) error {
	id, err := parseUUID(req.UUID, ErrCampaignNotFound)
	if err != nil {
		return err
	}
	return s.registry.Within(ctx, req.TenantID, func(ctx context.Context) error {
		c, err := s.campaignRepo.ByUUID(ctx, id)
		if err != nil {
			return err
		}
		if c == nil || c.TenantID != req.TenantID {
			return ErrCampaignNotFound
		}
		return fn(ctx, c)
	})
}

// campaignFinalizer closes campaigns whose targets are all terminal
type campaignFinalizer struct {
	campaignRepo repository.CampaignRepository
	targetRepo   repository.TargetRepository
	publisher    services.EventPublisher
	now          utils.Clock
	logger       *zap.Logger
}

func newCampaignFinalizer(campaignRepo repository.CampaignRepository, targetRepo repository.TargetRepository, publisher services.EventPublisher, now utils.Clock, logger *zap.Logger) *campaignFinalizer {
	if publisher == nil {
		publisher = services.NoopPublisher{}
	}
	return &campaignFinalizer{
		campaignRepo: campaignRepo,
		targetRepo:   targetRepo,
		publisher:    publisher,
		now:          now,
		logger:       logger,
	}
}

// finalizeIfDone moves the campaign to completed, or to failed when it is flagged
// non-recoverable and a target failed. It reports whether this call closed it.
func (f *campaignFinalizer) finalizeIfDone(ctx context.Context, campaignID uint) (bool, error) {
	open, err := f.targetRepo.Count(ctx, models.TargetFilter{CampaignID: &campaignID, States: models.OpenTargetStates})
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	c, err := f.campaignRepo.ByID(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if c == nil || c.Status.Terminal() || c.Status == models.CampaignStatusDraft {
		return false, nil
	}

	to := models.CampaignStatusCompleted
	if c.NonRecoverable {
		failed := models.TargetStateFailed
		n, err := f.targetRepo.Count(ctx, models.TargetFilter{CampaignID: &campaignID, State: &failed})
		if err != nil {
			return false, err
		}
		if n > 0 {
			to = models.CampaignStatusFailed
		}
	}
	if !c.Status.CanTransitionTo(to) {
		return false, nil
	}

	ok, err := f.campaignRepo.TransitionStatus(ctx, c.ID,
		[]models.CampaignStatus{models.CampaignStatusScheduled, models.CampaignStatusRunning, models.CampaignStatusPaused},
		to,
		map[string]any{
			"completed_at":  f.now(),
			"batch_token":   nil,
			"next_batch_at": nil,
		})
	if err != nil || !ok {
		return false, err
	}

	eventType := services.EventCampaignCompleted
	if to == models.CampaignStatusFailed {
		eventType = services.EventCampaignFailed
	}
	publishEvent(ctx, f.publisher, f.logger, services.OutcomeEvent{
		Type:         eventType,
		TenantID:     c.TenantID,
		CampaignUUID: c.UUID.String(),
	}, f.now())
	f.logger.Info("campaign finalized", zap.String("campaign", c.UUID.String()), zap.String("status", to.String()))
	return true, nil
}

// publishEvent emits an outcome event; failures are logged and never fail the caller
func publishEvent(ctx context.Context, publisher services.EventPublisher, logger *zap.Logger, event services.OutcomeEvent, at time.Time) {
	event.ID = uuid.New()
	event.OccurredAt = at
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish outcome event", zap.String("type", event.Type), zap.Error(err))
	}
}
