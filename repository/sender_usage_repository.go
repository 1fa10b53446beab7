package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SenderUsageRepositoryImpl implements SenderUsageRepository. Every mutation is one
// conditional UPDATE so concurrent workers never need a row lock.
type SenderUsageRepositoryImpl struct {
	*BaseRepository[models.SenderUsage, struct{}]
}

// NewSenderUsageRepository creates a new sender usage repository for tenant partitions
func NewSenderUsageRepository() SenderUsageRepository {
	return &SenderUsageRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.SenderUsage, struct{}](),
	}
}

// Ensure creates missing usage rows for the given senders
func (r *SenderUsageRepositoryImpl) Ensure(ctx context.Context, tenantID uint, senderNames []string, now time.Time) error {
	if len(senderNames) == 0 {
		return nil
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	rows := make([]*models.SenderUsage, 0, len(senderNames))
	for _, name := range senderNames {
		rows = append(rows, &models.SenderUsage{
			TenantID:      tenantID,
			SenderName:    name,
			LastHourReset: utils.HourStart(now),
			LastDayReset:  utils.DayStart(now),
		})
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// ByNames returns usage rows for the given senders ordered by id
func (r *SenderUsageRepositoryImpl) ByNames(ctx context.Context, tenantID uint, senderNames []string) ([]*models.SenderUsage, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	var rows []*models.SenderUsage
	err = db.Where("tenant_id = ? AND sender_name IN ?", tenantID, senderNames).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ByName returns the usage row of one sender
func (r *SenderUsageRepositoryImpl) ByName(ctx context.Context, tenantID uint, senderName string) (*models.SenderUsage, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	var row models.SenderUsage
	err = db.Where("tenant_id = ? AND sender_name = ?", tenantID, senderName).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ResetCounters zeroes the hour/day counters once their wall-clock window has passed
// and clears an expired cooldown
func (r *SenderUsageRepositoryImpl) ResetCounters(ctx context.Context, id uint, now time.Time) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	hour := utils.HourStart(now)
	day := utils.DayStart(now)

	if err := db.Model(&models.SenderUsage{}).
		Where("id = ? AND last_hour_reset < ?", id, hour).
		Updates(map[string]any{
			"messages_sent_this_hour": 0,
			"last_hour_reset":         hour,
		}).Error; err != nil {
		return err
	}
	if err := db.Model(&models.SenderUsage{}).
		Where("id = ? AND last_day_reset < ?", id, day).
		Updates(map[string]any{
			"messages_sent_today": 0,
			"last_day_reset":      day,
		}).Error; err != nil {
		return err
	}
	return db.Model(&models.SenderUsage{}).
		Where("id = ? AND is_in_cooldown = ? AND (cooldown_until IS NULL OR cooldown_until <= ?)", id, true, now).
		Updates(map[string]any{
			"is_in_cooldown": false,
			"cooldown_until": nil,
		}).Error
}

// Reserve consumes one unit of hour and day quota and advances the rotation cursor,
// only if every eligibility predicate still holds at write time. It reports whether
// the reservation won.
func (r *SenderUsageRepositoryImpl) Reserve(ctx context.Context, id uint, limits UsageLimits, now time.Time) (bool, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return false, err
	}

	query := db.Model(&models.SenderUsage{}).
		Where("id = ?", id).
		Where("messages_sent_this_hour < ? AND messages_sent_today < ?", limits.MaxPerHour, limits.MaxPerDay).
		Where("last_hour_reset >= ? AND last_day_reset >= ?", utils.HourStart(now), utils.DayStart(now)).
		Where("(is_in_cooldown = ? OR cooldown_until IS NULL OR cooldown_until <= ?)", false, now)
	if limits.FailureThreshold > 0 {
		query = query.Where("consecutive_failures < ?", limits.FailureThreshold)
	}

	result := query.Updates(map[string]any{
		"messages_sent_this_hour": gorm.Expr("messages_sent_this_hour + ?", 1),
		"messages_sent_today":     gorm.Expr("messages_sent_today + ?", 1),
		"rotation_cursor":         gorm.Expr("rotation_cursor + ?", 1),
		"is_in_cooldown":          false,
		"cooldown_until":          nil,
		"updated_at":              now,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RebaseCursors closes a round-robin cycle: once every sender in ids has been drawn
// at least once, the common minimum is subtracted so all start over from zero
func (r *SenderUsageRepositoryImpl) RebaseCursors(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}

	var minCursor sql.NullInt64
	if err := db.Model(&models.SenderUsage{}).
		Where("id IN ?", ids).
		Select("MIN(rotation_cursor)").
		Row().Scan(&minCursor); err != nil {
		return err
	}
	if !minCursor.Valid || minCursor.Int64 < 1 {
		return nil
	}
	return db.Model(&models.SenderUsage{}).
		Where("id IN ? AND rotation_cursor >= ?", ids, minCursor.Int64).
		Update("rotation_cursor", gorm.Expr("rotation_cursor - ?", minCursor.Int64)).Error
}

// RecordSuccess books a successful send
func (r *SenderUsageRepositoryImpl) RecordSuccess(ctx context.Context, id uint, now time.Time) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Model(&models.SenderUsage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"lifetime_sent":        gorm.Expr("lifetime_sent + ?", 1),
			"consecutive_failures": 0,
			"last_send_at":         now,
			"updated_at":           now,
		}).Error
}

// RecordFailure books a failed send and returns the row after the increment
func (r *SenderUsageRepositoryImpl) RecordFailure(ctx context.Context, id uint, now time.Time) (*models.SenderUsage, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.Model(&models.SenderUsage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"lifetime_sent":        gorm.Expr("lifetime_sent + ?", 1),
			"consecutive_failures": gorm.Expr("consecutive_failures + ?", 1),
			"lifetime_failures":    gorm.Expr("lifetime_failures + ?", 1),
			"last_send_at":         now,
			"updated_at":           now,
		}).Error; err != nil {
		return nil, err
	}
	return r.ByID(ctx, id)
}

// EnterCooldown suspends the sender until the given time; an existing longer cooldown is kept
func (r *SenderUsageRepositoryImpl) EnterCooldown(ctx context.Context, id uint, until time.Time) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Model(&models.SenderUsage{}).
		Where("id = ? AND (cooldown_until IS NULL OR cooldown_until < ? OR is_in_cooldown = ?)", id, until, false).
		Updates(map[string]any{
			"is_in_cooldown": true,
			"cooldown_until": until,
		}).Error
}
