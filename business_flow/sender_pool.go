package businessflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/metrics"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"go.uber.org/zap"
)

// SendOutcome is the bookkeeping class of one provider send
type SendOutcome string

const (
	OutcomeSuccess     SendOutcome = "success"
	OutcomeTransient   SendOutcome = "transient"
	OutcomeRateLimited SendOutcome = "rate_limited"
	OutcomePermanent   SendOutcome = "permanent"
	OutcomeAuth        SendOutcome = "auth"
)

// OutcomeFromError classifies a provider send error; nil is success
func OutcomeFromError(err error) SendOutcome {
	if err == nil {
		return OutcomeSuccess
	}
	kind, ok := IsProviderError(err)
	if !ok {
		return OutcomeTransient
	}
	switch kind {
	case services.ProviderErrRateLimited:
		return OutcomeRateLimited
	case services.ProviderErrPermanent:
		return OutcomePermanent
	case services.ProviderErrAuth:
		return OutcomeAuth
	default:
		return OutcomeTransient
	}
}

// Retryable reports whether the target may be attempted again
func (o SendOutcome) Retryable() bool {
	return o == OutcomeTransient || o == OutcomeRateLimited
}

// SenderPool picks senders under the tenant's anti-ban policy and books their usage
type SenderPool interface {
	Select(ctx context.Context, settings *models.TenantCampaignSettings, campaign *models.Campaign) (*models.Sender, error)
	Record(ctx context.Context, settings *models.TenantCampaignSettings, sender *models.Sender, outcome SendOutcome) error
}

// SenderPoolImpl implements SenderPool on the tenant partition bound to ctx
type SenderPoolImpl struct {
	senderRepo repository.SenderRepository
	usageRepo  repository.SenderUsageRepository
	rnd        Randomizer
	now        utils.Clock
	logger     *zap.Logger
}

// NewSenderPool creates a new sender pool
func NewSenderPool(
	senderRepo repository.SenderRepository,
	usageRepo repository.SenderUsageRepository,
	rnd Randomizer,
	now utils.Clock,
	logger *zap.Logger,
) SenderPool {
	if rnd == nil {
		rnd = DefaultRandom
	}
	if now == nil {
		now = utils.UTCNow
	}
	return &SenderPoolImpl{
		senderRepo: senderRepo,
		usageRepo:  usageRepo,
		rnd:        rnd,
		now:        now,
		logger:     logger.Named("sender_pool"),
	}
}

type candidate struct {
	sender *models.Sender
	usage  *models.SenderUsage
}

// canSendNow checks the eligibility predicates against a freshly reset usage row
func canSendNow(u *models.SenderUsage, settings *models.TenantCampaignSettings, now utils.Clock) bool {
	if u.InCooldownAt(now()) {
		return false
	}
	if u.MessagesSentThisHour >= settings.MaxPerHour || u.MessagesSentToday >= settings.MaxPerDay {
		return false
	}
	if settings.FailureThreshold > 0 && u.ConsecutiveFailures >= settings.FailureThreshold {
		return false
	}
	return true
}

// Select returns the sender that won a quota reservation, or nil when none is eligible
func (p *SenderPoolImpl) Select(ctx context.Context, settings *models.TenantCampaignSettings, campaign *models.Campaign) (*models.Sender, error) {
	if err := scopedTenant(ctx, campaign.TenantID); err != nil {
		return nil, err
	}
	strategy := settings.SelectionStrategy
	if !strategy.Valid() {
		strategy = models.SelectionRoundRobin
	}

	candidates, err := p.candidates(ctx, settings, campaign)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		metrics.SenderSelections.WithLabelValues(string(strategy), "none").Inc()
		return nil, nil
	}

	ordered := p.order(strategy, candidates)
	limits := repository.UsageLimits{
		MaxPerHour:       settings.MaxPerHour,
		MaxPerDay:        settings.MaxPerDay,
		FailureThreshold: settings.FailureThreshold,
	}

	for _, c := range ordered {
		won, err := p.usageRepo.Reserve(ctx, c.usage.ID, limits, p.now())
		if err != nil {
			return nil, fmt.Errorf("failed to reserve sender %s: %w", c.sender.SenderName, err)
		}
		if !won {
			p.logger.Debug("lost reservation race", zap.String("sender", c.sender.SenderName))
			continue
		}

		if strategy == models.SelectionRoundRobin {
			ids := make([]uint, 0, len(candidates))
			for _, cand := range candidates {
				ids = append(ids, cand.usage.ID)
			}
			if err := p.usageRepo.RebaseCursors(ctx, ids); err != nil {
				p.logger.Warn("failed to rebase rotation cursors", zap.Error(err))
			}
		}

		metrics.SenderSelections.WithLabelValues(string(strategy), "selected").Inc()
		return c.sender, nil
	}

	metrics.SenderSelections.WithLabelValues(string(strategy), "none").Inc()
	return nil, nil
}

func (p *SenderPoolImpl) candidates(ctx context.Context, settings *models.TenantCampaignSettings, campaign *models.Campaign) ([]candidate, error) {
	filter := models.SenderFilter{
		TenantID:        &campaign.TenantID,
		IsActive:        utils.ToPtr(true),
		ConnectionState: utils.ToPtr(models.ConnectionConnected),
	}
	if len(campaign.SenderNames) > 0 {
		filter.SenderNames = campaign.SenderNames
	}
	senders, err := p.senderRepo.ByFilter(ctx, filter, "id ASC", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load senders: %w", err)
	}

	byName := make(map[string]*models.Sender, len(senders))
	names := make([]string, 0, len(senders))
	for _, s := range senders {
		if !s.Eligible() {
			continue
		}
		byName[s.SenderName] = s
		names = append(names, s.SenderName)
	}
	if len(names) == 0 {
		return nil, nil
	}

	now := p.now()
	if err := p.usageRepo.Ensure(ctx, campaign.TenantID, names, now); err != nil {
		return nil, fmt.Errorf("failed to ensure usage rows: %w", err)
	}
	usages, err := p.usageRepo.ByNames(ctx, campaign.TenantID, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage rows: %w", err)
	}
	for _, u := range usages {
		if err := p.usageRepo.ResetCounters(ctx, u.ID, now); err != nil {
			return nil, fmt.Errorf("failed to reset counters: %w", err)
		}
	}
	usages, err = p.usageRepo.ByNames(ctx, campaign.TenantID, names)
	if err != nil {
		return nil, fmt.Errorf("failed to reload usage rows: %w", err)
	}

	out := make([]candidate, 0, len(usages))
	for _, u := range usages {
		s, ok := byName[u.SenderName]
		if !ok || !canSendNow(u, settings, p.now) {
			continue
		}
		out = append(out, candidate{sender: s, usage: u})
	}
	return out, nil
}

// order returns candidates in the order reservations are attempted
func (p *SenderPoolImpl) order(strategy models.SelectionStrategy, cands []candidate) []candidate {
	out := make([]candidate, len(cands))
	copy(out, cands)

	switch strategy {
	case models.SelectionRandom:
		for i := len(out) - 1; i > 0; i-- {
			j := p.rnd.IntN(i + 1)
			out[i], out[j] = out[j], out[i]
		}
	case models.SelectionLeastUsed:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].usage, out[j].usage
			if a.MessagesSentToday != b.MessagesSentToday {
				return a.MessagesSentToday < b.MessagesSentToday
			}
			if a.RotationCursor != b.RotationCursor {
				return a.RotationCursor < b.RotationCursor
			}
			return out[i].sender.ID < out[j].sender.ID
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].usage, out[j].usage
			if a.RotationCursor != b.RotationCursor {
				return a.RotationCursor < b.RotationCursor
			}
			return out[i].sender.ID < out[j].sender.ID
		})
	}
	return out
}

// Record books the outcome of one send on the sender's usage row and applies cooldowns
func (p *SenderPoolImpl) Record(ctx context.Context, settings *models.TenantCampaignSettings, sender *models.Sender, outcome SendOutcome) error {
	now := p.now()
	usage, err := p.usageRepo.ByName(ctx, sender.TenantID, sender.SenderName)
	if err != nil {
		return err
	}
	if usage == nil {
		if err := p.usageRepo.Ensure(ctx, sender.TenantID, []string{sender.SenderName}, now); err != nil {
			return err
		}
		if usage, err = p.usageRepo.ByName(ctx, sender.TenantID, sender.SenderName); err != nil || usage == nil {
			return fmt.Errorf("usage row missing for %s: %w", sender.SenderName, err)
		}
	}

	log := p.logger.With(zap.String("sender", sender.SenderName), zap.String("outcome", string(outcome)))

	if outcome == OutcomeSuccess {
		if err := p.usageRepo.RecordSuccess(ctx, usage.ID, now); err != nil {
			return fmt.Errorf("failed to record success: %w", err)
		}
	} else {
		after, err := p.usageRepo.RecordFailure(ctx, usage.ID, now)
		if err != nil {
			return fmt.Errorf("failed to record failure: %w", err)
		}
		if after != nil && settings.AutoDisableOnFailure && settings.FailureThreshold > 0 &&
			after.ConsecutiveFailures >= settings.FailureThreshold {
			if err := p.senderRepo.Deactivate(ctx, sender.TenantID, sender.SenderName); err != nil {
				return fmt.Errorf("failed to deactivate sender: %w", err)
			}
			if err := p.cooldown(ctx, usage.ID, now.Add(utils.AutoDisableCooldown), "auto_disable"); err != nil {
				return err
			}
			log.Warn("sender auto-disabled", zap.Int("consecutive_failures", after.ConsecutiveFailures))
		}

		switch outcome {
		case OutcomeRateLimited:
			if err := p.cooldown(ctx, usage.ID, now.Add(settings.CooldownDuration()), "rate_limited"); err != nil {
				return err
			}
		case OutcomeAuth:
			if err := p.senderRepo.MarkDisconnected(ctx, sender.TenantID, sender.SenderName); err != nil {
				return fmt.Errorf("failed to mark sender disconnected: %w", err)
			}
			if err := p.cooldown(ctx, usage.ID, now.Add(settings.CooldownDuration()), "auth"); err != nil {
				return err
			}
			log.Warn("sender lost provider authorization")
		}
	}

	if settings.RotateAfterNMessages > 0 {
		current, err := p.usageRepo.ByName(ctx, sender.TenantID, sender.SenderName)
		if err != nil {
			return err
		}
		if current != nil && current.MessagesSentToday > 0 && current.MessagesSentToday%settings.RotateAfterNMessages == 0 {
			if err := p.cooldown(ctx, usage.ID, now.Add(settings.CooldownDuration()), "rotation"); err != nil {
				return err
			}
			log.Info("sender rotated out", zap.Int("messages_today", current.MessagesSentToday))
		}
	}
	return nil
}

func (p *SenderPoolImpl) cooldown(ctx context.Context, usageID uint, until time.Time, reason string) error {
	if err := p.usageRepo.EnterCooldown(ctx, usageID, until); err != nil {
		return fmt.Errorf("failed to enter %s cooldown: %w", reason, err)
	}
	metrics.SenderCooldowns.WithLabelValues(reason).Inc()
	return nil
}
