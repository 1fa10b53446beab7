package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepositoryImpl implements ConversationRepository interface
type ConversationRepositoryImpl struct {
	*BaseRepository[models.Conversation, models.ConversationFilter]
}

// NewConversationRepository creates a new conversation repository for tenant partitions
func NewConversationRepository() ConversationRepository {
	return &ConversationRepositoryImpl{
		BaseRepository: NewPartitionBaseRepository[models.Conversation, models.ConversationFilter](),
	}
}

// ByUUID retrieves a conversation by UUID
func (r *ConversationRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	items, err := r.ByFilter(ctx, models.ConversationFilter{UUID: &id}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// ByPeer retrieves the conversation of the (tenant, sender, peer) triple
func (r *ConversationRepositoryImpl) ByPeer(ctx context.Context, tenantID uint, senderName, peerPhone string) (*models.Conversation, error) {
	items, err := r.ByFilter(ctx, models.ConversationFilter{
		TenantID:   &tenantID,
		SenderName: &senderName,
		PeerPhone:  &peerPhone,
	}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (r *ConversationRepositoryImpl) applyFilter(query *gorm.DB, filter models.ConversationFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.SenderName != nil {
		query = query.Where("sender_name = ?", *filter.SenderName)
	}
	if filter.PeerPhone != nil {
		query = query.Where("peer_phone = ?", *filter.PeerPhone)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	return query
}

// ByFilter retrieves conversations based on filter criteria, newest activity first by default
func (r *ConversationRepositoryImpl) ByFilter(ctx context.Context, filter models.ConversationFilter, orderBy string, limit, offset int) ([]*models.Conversation, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	query := r.applyFilter(db.Model(&models.Conversation{}), filter)
	query = paginate(query, orderBy, "last_message_at DESC, id DESC", limit, offset)

	var conversations []*models.Conversation
	if err := query.Find(&conversations).Error; err != nil {
		return nil, err
	}
	return conversations, nil
}

// Count returns the number of conversations matching the filter
func (r *ConversationRepositoryImpl) Count(ctx context.Context, filter models.ConversationFilter) (int64, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := r.applyFilter(db.Model(&models.Conversation{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any conversation matching the filter exists
func (r *ConversationRepositoryImpl) Exists(ctx context.Context, filter models.ConversationFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateIfAbsent inserts the conversation unless its peer triple already exists.
// It reports whether a row was created.
func (r *ConversationRepositoryImpl) CreateIfAbsent(ctx context.Context, conv *models.Conversation) (bool, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return false, err
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "sender_name"}, {Name: "peer_phone"}},
		DoNothing: true,
	}).Create(conv)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateFields updates specific fields of a conversation
func (r *ConversationRepositoryImpl) UpdateFields(ctx context.Context, id uint, updates map[string]any) error {
	if id == 0 {
		return errors.New("conversation ID is required for update")
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}

	updates["updated_at"] = utils.UTCNow()
	result := db.Model(&models.Conversation{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("conversation not found with ID: %d", id)
	}
	return nil
}

// AppendMessage inserts a message; messages are never updated except for read flags
func (r *ConversationRepositoryImpl) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	if msg.UUID == uuid.Nil {
		msg.UUID = uuid.New()
	}
	return db.Create(msg).Error
}

// HasProviderMessage reports whether the conversation already holds the provider message
func (r *ConversationRepositoryImpl) HasProviderMessage(ctx context.Context, conversationID uint, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	db, err := r.getDB(ctx)
	if err != nil {
		return false, err
	}
	var count int64
	err = db.Model(&models.ConversationMessage{}).
		Where("conversation_id = ? AND provider_message_id = ?", conversationID, providerMessageID).
		Count(&count).Error
	return count > 0, err
}

// Messages pages through a conversation in chronological order
func (r *ConversationRepositoryImpl) Messages(ctx context.Context, conversationID uint, limit, offset int) ([]*models.ConversationMessage, error) {
	db, err := r.getDB(ctx)
	if err != nil {
		return nil, err
	}
	query := paginate(db.Where("conversation_id = ?", conversationID), "", "sent_at ASC, id ASC", limit, offset)

	var messages []*models.ConversationMessage
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkMessagesRead flags every inbound message of the conversation as read
func (r *ConversationRepositoryImpl) MarkMessagesRead(ctx context.Context, conversationID uint) error {
	db, err := r.getDB(ctx)
	if err != nil {
		return err
	}
	return db.Model(&models.ConversationMessage{}).
		Where("conversation_id = ? AND direction = ? AND is_read = ?", conversationID, models.DirectionInbound, false).
		Update("is_read", true).Error
}
