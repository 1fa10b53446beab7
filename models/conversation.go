package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus tracks the agent-facing state of a conversation
type ConversationStatus string

const (
	ConversationUnread  ConversationStatus = "unread"
	ConversationOpen    ConversationStatus = "open"
	ConversationReplied ConversationStatus = "replied"
	ConversationClosed  ConversationStatus = "closed"
)

// Conversation is the thread between one sender of a tenant and one peer phone
type Conversation struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_conversations_uuid" json:"uuid"`
	TenantID   uint      `gorm:"not null;uniqueIndex:uk_conversations_peer,priority:1;index:idx_conversations_inbox,priority:1" json:"tenant_id"`
	SenderName string    `gorm:"size:100;not null;uniqueIndex:uk_conversations_peer,priority:2" json:"sender_name"`
	PeerPhone  string    `gorm:"size:32;not null;uniqueIndex:uk_conversations_peer,priority:3" json:"peer_phone"`

	CustomerName  string             `gorm:"size:255" json:"customer_name,omitempty"`
	Status        ConversationStatus `gorm:"size:20;not null;index:idx_conversations_inbox,priority:2" json:"status"`
	AssignedAgent string             `gorm:"size:255" json:"assigned_agent,omitempty"`
	UnreadCount   int                `gorm:"not null;default:0" json:"unread_count"`
	MessageCount  int                `gorm:"not null;default:0" json:"message_count"`

	FirstMessageAt time.Time  `gorm:"not null" json:"first_message_at"`
	LastMessageAt  time.Time  `gorm:"not null;index:idx_conversations_inbox,priority:3" json:"last_message_at"`
	LastInboundAt  *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_at,omitempty"`

	OriginatedFromCampaignID *uint `json:"originated_from_campaign_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationFilter represents filter criteria for conversation queries
type ConversationFilter struct {
	ID         *uint
	UUID       *uuid.UUID
	TenantID   *uint
	SenderName *string
	PeerPhone  *string
	Status     *ConversationStatus
}

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
)

type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ConversationMessage is append-only. A provider message id is stored at most once
// per conversation, so webhook redeliveries cannot duplicate a message.
type ConversationMessage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UUID           uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_conversation_messages_uuid" json:"uuid"`
	ConversationID uint      `gorm:"not null;index:idx_conversation_messages_sent,priority:1;uniqueIndex:uk_conversation_messages_provider_id,priority:1,where:provider_message_id <> ''" json:"conversation_id"`

	Direction   MessageDirection `gorm:"size:10;not null" json:"direction"`
	MessageType MessageType      `gorm:"size:20;not null" json:"message_type"`
	Body        string           `gorm:"type:text" json:"body"`
	MediaURL    string           `gorm:"size:2048" json:"media_url,omitempty"`
	SentByAgent string           `gorm:"size:255" json:"sent_by_agent,omitempty"`

	DeliveryStatus    *DeliveryStatus `gorm:"size:20" json:"delivery_status,omitempty"`
	ProviderMessageID string          `gorm:"size:128;not null;default:'';uniqueIndex:uk_conversation_messages_provider_id,priority:2,where:provider_message_id <> ''" json:"provider_message_id,omitempty"`
	IsRead            bool            `gorm:"not null;default:false" json:"is_read"`

	SentAt    time.Time `gorm:"not null;index:idx_conversation_messages_sent,priority:2" json:"sent_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (ConversationMessage) TableName() string {
	return "conversation_messages"
}
