package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TargetRepositoryImpl implements TargetRepository interface
type TargetRepositoryImpl struct {
	*BaseRepository[models.Target, models.TargetFilter]
}

// NewTargetRepository creates a new target repository for tenant partitions
func NewTargetRepository() TargetRepository {
	return &TargetRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.Target, models.TargetFilter](),
	}
}

// ByUUID retrieves a target by UUID
func (r *TargetRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	items, err := r.ByFilter(ctx, models.TargetFilter{UUID: &id}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (r *TargetRepositoryImpl) applyFilter(query *gorm.DB, filter models.TargetFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.CampaignID != nil {
		query = query.Where("campaign_id = ?", *filter.CampaignID)
	}
	if filter.Phone != nil {
		query = query.Where("phone = ?", *filter.Phone)
	}
	if filter.State != nil {
		query = query.Where("state = ?", *filter.State)
	}
	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	if filter.DueBefore != nil {
		query = query.Where("state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			models.TargetStateQueued, *filter.DueBefore)
	}
	if filter.BackoffAfter != nil {
		query = query.Where("state = ? AND next_attempt_at > ?", models.TargetStateQueued, *filter.BackoffAfter)
	}
	if filter.SentAfter != nil {
		query = query.Where("sent_at >= ?", *filter.SentAfter)
	}
	if filter.StaleSending != nil {
		query = query.Where("state = ? AND sending_started_at < ?", models.TargetStateSending, *filter.StaleSending)
	}
	if filter.StaleSched != nil {
		query = query.Where("state = ? AND scheduled_at < ?", models.TargetStateScheduled, *filter.StaleSched)
	}
	return query
}

// ByFilter retrieves targets based on filter criteria
func (r *TargetRepositoryImpl) ByFilter(ctx context.Context, filter models.TargetFilter, orderBy string, limit, offset int) ([]*models.Target, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	query := r.applyFilter(db.Model(&models.Target{}), filter)
	query = paginate(query, orderBy, "id ASC", limit, offset)

	var targets []*models.Target
	if err := query.Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

// Count returns the number of targets matching the filter
func (r *TargetRepositoryImpl) Count(ctx context.Context, filter models.TargetFilter) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := r.applyFilter(db.Model(&models.Target{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any target matching the filter exists
func (r *TargetRepositoryImpl) Exists(ctx context.Context, filter models.TargetFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertIgnoreDuplicates inserts targets, skipping any (campaign, phone) pair that already exists.
// Returns how many rows were actually inserted.
func (r *TargetRepositoryImpl) InsertIgnoreDuplicates(ctx context.Context, targets []*models.Target) (int64, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "phone"}},
		DoNothing: true,
	}).CreateInBatches(targets, 500)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// CompareAndSwapState moves a target to `to` only while it is in one of `from`.
// It reports whether this call performed the transition.
func (r *TargetRepositoryImpl) CompareAndSwapState(ctx context.Context, id uint, from []models.TargetState, to models.TargetState, extra map[string]any) (bool, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return false, err
	}

	updates := map[string]any{}
	for k, v := range extra {
		updates[k] = v
	}
	updates["state"] = to
	updates["updated_at"] = utils.UTCNow()

	result := db.Model(&models.Target{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CountSentSince counts targets of a campaign sent at or after since
func (r *TargetRepositoryImpl) CountSentSince(ctx context.Context, campaignID uint, since time.Time) (int64, error) {
	state := models.TargetStateSent
	return r.Count(ctx, models.TargetFilter{CampaignID: &campaignID, State: &state, SentAfter: &since})
}

// CancelOpen cancels every target of the campaign that has not been handed to the provider.
// Targets already sending are left to finish.
func (r *TargetRepositoryImpl) CancelOpen(ctx context.Context, campaignID uint, reason string) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	result := db.Model(&models.Target{}).
		Where("campaign_id = ? AND state IN ?", campaignID, []models.TargetState{models.TargetStateQueued, models.TargetStateScheduled}).
		Updates(map[string]any{
			"state":      models.TargetStateCanceled,
			"last_error": reason,
			"updated_at": utils.UTCNow(),
		})
	return result.RowsAffected, result.Error
}

// RequeueFailed puts failed targets that still have retry budget back to queued
func (r *TargetRepositoryImpl) RequeueFailed(ctx context.Context, campaignID uint, maxRetries int) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	result := db.Model(&models.Target{}).
		Where("campaign_id = ? AND state = ? AND retry_count < ?", campaignID, models.TargetStateFailed, maxRetries).
		Updates(map[string]any{
			"state":           models.TargetStateQueued,
			"next_attempt_at": nil,
			"updated_at":      utils.UTCNow(),
		})
	return result.RowsAffected, result.Error
}

// ResetStale returns targets stuck in sending, or scheduled past their due time, to queued
func (r *TargetRepositoryImpl) ResetStale(ctx context.Context, stuckBefore time.Time) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, filter := range []models.TargetFilter{
		{StaleSending: &stuckBefore},
		{StaleSched: &stuckBefore},
	} {
		result := r.applyFilter(db.Model(&models.Target{}), filter).
			Updates(map[string]any{
				"state":              models.TargetStateQueued,
				"sending_started_at": nil,
				"scheduled_at":       nil,
				"updated_at":         utils.UTCNow(),
			})
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
	}
	return total, nil
}

// LatestByPhone returns the most recently touched target for a phone across campaigns
func (r *TargetRepositoryImpl) LatestByPhone(ctx context.Context, phone string) (*models.Target, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	var target models.Target
	err = db.Where("phone = ?", phone).Order("updated_at DESC").Order("id DESC").First(&target).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &target, nil
}
