// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"gorm.io/gorm"
)

// BaseRepository provides common repository functionality with transaction support.
// With a nil DB the repository serves tenant tables and resolves its handle from the
// tenant scope on the context; with a DB it serves control tables.
type BaseRepository[T any, F any] struct {
	DB *gorm.DB
}

// NewBaseRepository creates a base repository bound to a fixed (control) database
func NewBaseRepository[T any, F any](db *gorm.DB) *BaseRepository[T, F] {
	return &BaseRepository[T, F]{
		DB: db,
	}
}

// NewPartitionBaseRepository creates a base repository for tenant-scoped tables
func NewPartitionBaseRepository[T any, F any]() *BaseRepository[T, F] {
	return &BaseRepository[T, F]{}
}

// getDB returns the appropriate database connection (with or without transaction)
func (r *BaseRepository[T, F]) getDB(ctx context.Context) (*gorm.DB, error) {
	if r.DB != nil {
		return r.DB.WithContext(ctx), nil
	}

	// tenant tables are never reachable without a live scope, even inside a transaction
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if tx := txFor(ctx, scope); tx != nil {
		return tx, nil
	}
	return scope.Partition.DB.WithContext(ctx), nil
}

// txBinding ties a transaction to the scope it was opened under so a nested
// scope for another tenant never inherits it
type txBinding struct {
	scope *tenancy.Scope
	tx    *gorm.DB
}

func txFor(ctx context.Context, scope *tenancy.Scope) *gorm.DB {
	b, ok := ctx.Value(TxContextKey).(*txBinding)
	if !ok || b == nil || b.scope != scope {
		return nil
	}
	return b.tx
}

// getDBForWrite returns database connection with transaction for write operations
func (r *BaseRepository[T, F]) getDBForWrite(ctx context.Context) (*gorm.DB, bool, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, false, err
	}
	if r.DB == nil {
		if scope, _ := tenancy.FromContext(ctx); txFor(ctx, scope) != nil {
			return db, false, nil // Transaction already exists, don't commit
		}
	}

	tx := db.Begin()
	if tx.Error != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	return tx, true, nil
}

// ByID retrieves an entity by its ID
func (r *BaseRepository[T, F]) ByID(ctx context.Context, id uint) (*T, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}

	var entity T
	err = db.Last(&entity, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find entity by ID %d: %w", id, err)
	}

	return &entity, nil
}

// Save inserts a new entity
func (r *BaseRepository[T, F]) Save(ctx context.Context, entity *T) (err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}

	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				err = db.Commit().Error
			}
		}()
	}

	err = db.Create(entity).Error
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}

	return nil
}

// SaveBatch inserts multiple entities in a single transaction
func (r *BaseRepository[T, F]) SaveBatch(ctx context.Context, entities []*T) (err error) {
	if len(entities) == 0 {
		return nil
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}

	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				err = db.Commit().Error
			}
		}()
	}

	err = db.CreateInBatches(entities, 100).Error
	if err != nil {
		return fmt.Errorf("failed to save batch entities: %w", err)
	}

	return nil
}

// WithTransaction executes a function within a database transaction
func WithTransaction(ctx context.Context, db *gorm.DB, fn func(context.Context) error) (err error) {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", r)
		}
	}()

	scope, _ := tenancy.FromContext(ctx)
	ctx = context.WithValue(ctx, TxContextKey, &txBinding{scope: scope, tx: tx})

	if err := fn(ctx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithTenantTransaction opens a transaction on the partition of the scope carried by ctx.
// Nested calls join the outer transaction.
func WithTenantTransaction(ctx context.Context, fn func(context.Context) error) error {
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		return err
	}
	if txFor(ctx, scope) != nil {
		return fn(ctx)
	}
	return WithTransaction(ctx, scope.Partition.DB, fn)
}

// paginate applies ordering and paging in the way every ByFilter does
func paginate(query *gorm.DB, orderBy, defaultOrder string, limit, offset int) *gorm.DB {
	if orderBy == "" {
		orderBy = defaultOrder
	}
	query = query.Order(orderBy)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}
