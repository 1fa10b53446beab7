package scheduler

import (
	"context"
	"errors"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"go.uber.org/zap"
)

// TenantSync binds tenants created after startup to their partitions
type TenantSync struct {
	tenants  repository.TenantRepository
	registry *tenancy.Registry
	logger   *zap.Logger
}

func NewTenantSync(tenants repository.TenantRepository, registry *tenancy.Registry, logger *zap.Logger) *TenantSync {
	return &TenantSync{
		tenants:  tenants,
		registry: registry,
		logger:   logger.Named("tenant_sync"),
	}
}

// Sync binds every active tenant the registry does not know yet and returns how many
// were bound. Tenants pointing at an unconfigured or occupied partition are skipped.
func (s *TenantSync) Sync(ctx context.Context) (int, error) {
	active := true
	tenants, err := s.tenants.ByFilter(ctx, models.TenantFilter{IsActive: &active}, "id ASC", 0, 0)
	if err != nil {
		return 0, err
	}

	bound := 0
	for _, t := range tenants {
		if _, err := s.registry.Partition(t.ID); err == nil {
			continue
		}
		if err := s.registry.Bind(t.ID, t.Partition); err != nil {
			if errors.Is(err, tenancy.ErrUnknownPartition) || errors.Is(err, tenancy.ErrPartitionTaken) {
				s.logger.Warn("tenant cannot be bound",
					zap.Uint("tenant_id", t.ID),
					zap.String("partition", t.Partition),
					zap.Error(err))
				continue
			}
			return bound, err
		}
		s.logger.Info("tenant bound", zap.Uint("tenant_id", t.ID), zap.String("partition", t.Partition))
		bound++
	}
	return bound, nil
}
