package dto

import "time"

// ListConversationsRequest represents the inbox query
type ListConversationsRequest struct {
	PageRequest
	TenantID   uint   `json:"-"`
	Status     string `query:"status" validate:"omitempty,oneof=unread open replied closed"`
	SenderName string `query:"sender_name" validate:"omitempty,max=100"`
}

// ConversationResponse represents a conversation in responses
type ConversationResponse struct {
	UUID                     string     `json:"uuid"`
	SenderName               string     `json:"sender_name"`
	PeerPhone                string     `json:"peer_phone"`
	CustomerName             string     `json:"customer_name,omitempty"`
	Status                   string     `json:"status"`
	AssignedAgent            string     `json:"assigned_agent,omitempty"`
	UnreadCount              int        `json:"unread_count"`
	MessageCount             int        `json:"message_count"`
	FirstMessageAt           time.Time  `json:"first_message_at"`
	LastMessageAt            time.Time  `json:"last_message_at"`
	LastInboundAt            *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt           *time.Time `json:"last_outbound_at,omitempty"`
	OriginatedFromCampaignID *uint      `json:"originated_from_campaign_id,omitempty"`
}

// ListConversationsResponse represents a paginated inbox
type ListConversationsResponse struct {
	Items      []ConversationResponse `json:"items"`
	Pagination PaginationInfo         `json:"pagination"`
}

// ConversationRequest addresses one conversation of the caller's tenant
type ConversationRequest struct {
	TenantID uint   `json:"-"`
	UUID     string `json:"-" validate:"required,uuid"`
}

// ListMessagesRequest pages through a conversation
type ListMessagesRequest struct {
	PageRequest
	TenantID uint   `json:"-"`
	UUID     string `json:"-" validate:"required,uuid"`
}

// MessageResponse represents one conversation message
type MessageResponse struct {
	UUID              string    `json:"uuid"`
	Direction         string    `json:"direction"`
	MessageType       string    `json:"message_type"`
	Body              string    `json:"body"`
	MediaURL          string    `json:"media_url,omitempty"`
	SentByAgent       string    `json:"sent_by_agent,omitempty"`
	DeliveryStatus    string    `json:"delivery_status,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	IsRead            bool      `json:"is_read"`
	SentAt            time.Time `json:"sent_at"`
}

// ListMessagesResponse represents a page of messages ordered by sent_at
type ListMessagesResponse struct {
	Items      []MessageResponse `json:"items"`
	Pagination PaginationInfo    `json:"pagination"`
}

// SendReplyRequest sends an agent reply on a conversation
type SendReplyRequest struct {
	TenantID    uint   `json:"-"`
	UUID        string `json:"-" validate:"required,uuid"`
	Body        string `json:"body" validate:"required_without=MediaURL,max=4096"`
	MediaURL    string `json:"media_url,omitempty" validate:"omitempty,url,max=2048"`
	MessageType string `json:"message_type,omitempty" validate:"omitempty,oneof=text image document audio video"`
	Agent       string `json:"agent" validate:"required,max=255"`
}
