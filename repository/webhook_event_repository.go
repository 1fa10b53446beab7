package repository

import (
	"context"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
)

// WebhookEventRepositoryImpl implements WebhookEventRepository interface
type WebhookEventRepositoryImpl struct {
	*BaseRepository[models.WebhookEvent, struct{}]
}

// NewWebhookEventRepository creates a new webhook event repository for tenant partitions
func NewWebhookEventRepository() WebhookEventRepository {
	return &WebhookEventRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.WebhookEvent, struct{}](),
	}
}

// MarkProcessed closes the audit record, keeping the processing error if any
func (r *WebhookEventRepositoryImpl) MarkProcessed(ctx context.Context, id uint, processErr error) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"processed":    true,
		"processed_at": utils.UTCNow(),
	}
	if processErr != nil {
		updates["error"] = processErr.Error()
	}
	return db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
