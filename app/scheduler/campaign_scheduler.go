// Package scheduler runs the background side of the dispatcher: the task worker pool
// and the periodic campaign maintenance loop
package scheduler

import (
	"context"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/metrics"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"go.uber.org/zap"
)

// CampaignScheduler periodically promotes due scheduled campaigns, restarts stalled
// batch loops and returns stuck targets to the queue
type CampaignScheduler struct {
	flow     businessflow.CampaignFlow
	tenants  *TenantSync
	interval time.Duration
	logger   *zap.Logger
}

func NewCampaignScheduler(flow businessflow.CampaignFlow, interval time.Duration, logger *zap.Logger) *CampaignScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CampaignScheduler{
		flow:     flow,
		interval: interval,
		logger:   logger.Named("campaign_scheduler"),
	}
}

// WithTenantSync makes every pass bind newly created tenants before touching campaigns
func (s *CampaignScheduler) WithTenantSync(ts *TenantSync) *CampaignScheduler {
	s.tenants = ts
	return s
}

// Start runs the maintenance loop until the returned stop function is called
func (s *CampaignScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce performs a single maintenance pass. Each step is independent; a failing step
// is logged and the rest still run.
func (s *CampaignScheduler) RunOnce(ctx context.Context) {
	if s.tenants != nil {
		if _, err := s.tenants.Sync(ctx); err != nil {
			s.logger.Error("tenant sync failed", zap.Error(err))
		}
	}

	if n, err := s.flow.PromoteDue(ctx); err != nil {
		s.logger.Error("promote due campaigns failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("scheduled campaigns started", zap.Int("campaigns", n))
	}

	if n, err := s.flow.RecoverStalled(ctx); err != nil {
		s.logger.Error("recover stalled batch loops failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("stalled batch loops restarted", zap.Int("campaigns", n))
	}

	n, err := s.flow.SweepStuckTargets(ctx)
	if err != nil {
		s.logger.Error("sweep stuck targets failed", zap.Error(err))
	}
	if n > 0 {
		metrics.JanitorResets.Add(float64(n))
		s.logger.Warn("stuck targets returned to queue", zap.Int64("targets", n))
	}
}
