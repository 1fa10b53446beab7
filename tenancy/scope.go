package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoTenantScope = errors.New("no tenant scope on context")
	ErrScopeReleased = errors.New("tenant scope already released")
)

type scopeKey struct{}

// Scope is the tenant context of one request or task
type Scope struct {
	TenantID  uint
	Partition *Partition
	released  atomic.Bool
}

// Release invalidates the scope; every later lookup through it fails
func (s *Scope) Release() {
	s.released.Store(true)
}

func (s *Scope) Released() bool {
	return s.released.Load()
}

// WithScope attaches s to ctx
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the live scope carried by ctx
func FromContext(ctx context.Context) (*Scope, error) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	if !ok || s == nil {
		return nil, ErrNoTenantScope
	}
	if s.Released() {
		return nil, ErrScopeReleased
	}
	return s, nil
}

// TenantID returns the tenant of the live scope on ctx
func TenantID(ctx context.Context) (uint, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return 0, err
	}
	return s.TenantID, nil
}

// DB returns the partition handle of the live scope on ctx
func DB(ctx context.Context) (*gorm.DB, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.Partition.DB.WithContext(ctx), nil
}

// Within runs fn with tenantID's scope attached and releases it on every exit path
func (r *Registry) Within(ctx context.Context, tenantID uint, fn func(ctx context.Context) error) error {
	p, err := r.Partition(tenantID)
	if err != nil {
		return err
	}
	s := &Scope{TenantID: tenantID, Partition: p}
	defer s.Release()

	return fn(WithScope(ctx, s))
}

// Probe reports whether a partition holds the work item
type Probe func(ctx context.Context, db *gorm.DB) (bool, error)

// ProbeUUID looks for a row of model with the given uuid
func ProbeUUID(model any, id uuid.UUID) Probe {
	return ProbeColumn(model, "uuid", id)
}

// ProbeColumn looks for a row of model whose column equals value
func ProbeColumn(model any, column string, value any) Probe {
	return func(ctx context.Context, db *gorm.DB) (bool, error) {
		var n int64
		err := db.WithContext(ctx).Model(model).
			Where(clause.Eq{Column: clause.Column{Name: column}, Value: value}).
			Count(&n).Error
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

// WithinOwner finds the first partition (in registry order) that owns the work item,
// attaches its tenant for the duration of fn and releases it afterwards.
func (r *Registry) WithinOwner(ctx context.Context, probe Probe, fn func(ctx context.Context) error) error {
	for _, p := range r.Partitions() {
		tenantID, bound := r.ownerOf(p.Name)
		if !bound {
			continue
		}
		found, err := probe(ctx, p.DB)
		if err != nil {
			return fmt.Errorf("probe partition %s: %w", p.Name, err)
		}
		if found {
			return r.Within(ctx, tenantID, fn)
		}
	}
	return ErrWorkItemNotFound
}

// Each runs fn once per bound tenant, each call under its own scope
func (r *Registry) Each(ctx context.Context, fn func(ctx context.Context, tenantID uint) error) error {
	var errs []error
	for _, id := range r.TenantIDs() {
		tid := id
		if err := r.Within(ctx, tid, func(ctx context.Context) error { return fn(ctx, tid) }); err != nil {
			errs = append(errs, fmt.Errorf("tenant %d: %w", tid, err))
		}
	}
	return errors.Join(errs...)
}
