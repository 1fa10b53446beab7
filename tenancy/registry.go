// Package tenancy binds tenants to data partitions and carries the active tenant on a context
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownTenant      = errors.New("tenant is not bound to any partition")
	ErrUnknownPartition   = errors.New("unknown partition")
	ErrPartitionTaken     = errors.New("partition already bound to another tenant")
	ErrDuplicatePartition = errors.New("partition already registered")
	ErrWorkItemNotFound   = errors.New("no partition owns the work item")
)

// Partition is one physical tenant store
type Partition struct {
	Name string
	DB   *gorm.DB
}

// Registry is the process-wide tenant_id -> partition map.
// Partitions keep their registration order; ownership probes walk them in that order.
type Registry struct {
	mu         sync.RWMutex
	control    *gorm.DB
	partitions []*Partition
	byName     map[string]*Partition
	tenants    map[uint]*Partition
	owners     map[string]uint
	logger     *zap.Logger
}

// NewRegistry creates an empty registry around the control partition
func NewRegistry(control *gorm.DB, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		control: control,
		byName:  make(map[string]*Partition),
		tenants: make(map[uint]*Partition),
		owners:  make(map[string]uint),
		logger:  logger.Named("tenancy"),
	}
}

// Control returns the control partition holding global tables
func (r *Registry) Control() *gorm.DB {
	return r.control
}

// AddPartition registers a partition; order of calls is the probe order
func (r *Registry) AddPartition(name string, db *gorm.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePartition, name)
	}
	p := &Partition{Name: name, DB: db}
	r.partitions = append(r.partitions, p)
	r.byName[name] = p
	return nil
}

// Bind maps a tenant onto a registered partition
func (r *Registry) Bind(tenantID uint, partition string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byName[partition]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, partition)
	}
	if owner, taken := r.owners[partition]; taken && owner != tenantID {
		return fmt.Errorf("%w: %s owned by tenant %d", ErrPartitionTaken, partition, owner)
	}
	if prev, ok := r.tenants[tenantID]; ok && prev.Name != partition {
		delete(r.owners, prev.Name)
	}
	r.tenants[tenantID] = p
	r.owners[partition] = tenantID
	return nil
}

// Load binds every active tenant found in the control partition
func (r *Registry) Load(ctx context.Context) error {
	var tenants []models.Tenant
	if err := r.control.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&tenants).Error; err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}
	for _, t := range tenants {
		if err := r.Bind(t.ID, t.Partition); err != nil {
			if errors.Is(err, ErrUnknownPartition) {
				r.logger.Warn("tenant references unconfigured partition",
					zap.Uint("tenant_id", t.ID), zap.String("partition", t.Partition))
				continue
			}
			return err
		}
	}
	r.logger.Info("tenant registry loaded", zap.Int("tenants", len(r.TenantIDs())), zap.Int("partitions", len(r.Partitions())))
	return nil
}

// Partition returns the partition bound to tenantID
func (r *Registry) Partition(tenantID uint) (*Partition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTenant, tenantID)
	}
	return p, nil
}

// Partitions returns a snapshot of the partitions in registration order
func (r *Registry) Partitions() []*Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Partition, len(r.partitions))
	copy(out, r.partitions)
	return out
}

// TenantIDs returns bound tenants in ascending order
func (r *Registry) TenantIDs() []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) ownerOf(partition string) (uint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[partition]
	return id, ok
}
