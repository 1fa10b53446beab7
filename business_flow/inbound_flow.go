package businessflow

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/metrics"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errDuplicateInbound aborts the ingest transaction of a redelivered provider message
var errDuplicateInbound = errors.New("inbound message already stored")

// Provider webhook event types
const (
	WebhookQRCodeUpdate     = "qrcode.update"
	WebhookConnectionUpdate = "connection.update"
	WebhookMessagesUpsert   = "messages.upsert"
)

// NormalizeEventType maps MESSAGES_UPSERT style names onto messages.upsert
func NormalizeEventType(event string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(event), "_", "."))
}

// WebhookResult describes an accepted webhook
type WebhookResult struct {
	TenantID   uint
	SenderName string
	Event      string
	EventID    uint
	// ProcessError is recorded on the audit row; the webhook is still accepted
	ProcessError error
}

// InboundMessage is one message received by a sender
type InboundMessage struct {
	PeerPhone         string
	Body              string
	Type              models.MessageType
	MediaURL          string
	ProviderMessageID string
	PushName          string
	SentAt            time.Time
}

// InboundFlow ingests provider webhooks and serves the conversation inbox
type InboundFlow interface {
	HandleWebhook(ctx context.Context, secret string, body []byte) (*WebhookResult, error)
	ProcessInbound(ctx context.Context, sender *models.Sender, msg InboundMessage) (*models.Conversation, error)
	SendReply(ctx context.Context, req *dto.SendReplyRequest) (*dto.MessageResponse, error)
	MarkRead(ctx context.Context, req *dto.ConversationRequest) (*dto.ConversationResponse, error)
	CloseConversation(ctx context.Context, req *dto.ConversationRequest) (*dto.ConversationResponse, error)
	ListConversations(ctx context.Context, req *dto.ListConversationsRequest) (*dto.ListConversationsResponse, error)
	ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error)
}

// InboundFlowImpl implements the inbound ingestor and the conversation workflows
type InboundFlowImpl struct {
	registry         *tenancy.Registry
	senderRepo       repository.SenderRepository
	conversationRepo repository.ConversationRepository
	targetRepo       repository.TargetRepository
	webhookRepo      repository.WebhookEventRepository
	provider         services.EvolutionClient
	publisher        services.EventPublisher
	now              utils.Clock
	logger           *zap.Logger
}

// NewInboundFlow creates a new inbound flow instance
func NewInboundFlow(
	registry *tenancy.Registry,
	senderRepo repository.SenderRepository,
	conversationRepo repository.ConversationRepository,
	targetRepo repository.TargetRepository,
	webhookRepo repository.WebhookEventRepository,
	provider services.EvolutionClient,
	publisher services.EventPublisher,
	now utils.Clock,
	logger *zap.Logger,
) InboundFlow {
	if now == nil {
		now = utils.UTCNow
	}
	if publisher == nil {
		publisher = services.NoopPublisher{}
	}
	return &InboundFlowImpl{
		registry:         registry,
		senderRepo:       senderRepo,
		conversationRepo: conversationRepo,
		targetRepo:       targetRepo,
		webhookRepo:      webhookRepo,
		provider:         provider,
		publisher:        publisher,
		now:              now,
		logger:           logger.Named("inbound_flow"),
	}
}

// HandleWebhook authenticates a provider callback by its per-sender secret, records it
// and applies it. Unknown instances and wrong secrets both yield ErrWebhookUnauthorized.
func (s *InboundFlowImpl) HandleWebhook(ctx context.Context, secret string, body []byte) (*WebhookResult, error) {
	var payload dto.EvolutionWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if payload.InstanceID == "" || payload.Event == "" {
		return nil, ErrMalformedWebhook
	}
	event := NormalizeEventType(payload.Event)
	if secret == "" {
		metrics.WebhookEvents.WithLabelValues(event, "unauthorized").Inc()
		return nil, ErrWebhookUnauthorized
	}

	var result *WebhookResult
	probe := tenancy.ProbeColumn(&models.Sender{}, "external_id", payload.InstanceID)
	err := s.registry.WithinOwner(ctx, probe, func(ctx context.Context) error {
		sender, err := s.senderRepo.ByExternalID(ctx, payload.InstanceID)
		if err != nil {
			return err
		}
		if sender == nil || subtle.ConstantTimeCompare([]byte(sender.SharedSecret), []byte(secret)) != 1 {
			return ErrWebhookUnauthorized
		}

		record := &models.WebhookEvent{
			TenantID:  sender.TenantID,
			SenderID:  sender.ID,
			EventType: event,
			Payload:   string(body),
		}
		if err := s.webhookRepo.Save(ctx, record); err != nil {
			return err
		}

		procErr := s.apply(ctx, sender, event, payload.Data)
		if err := s.webhookRepo.MarkProcessed(ctx, record.ID, procErr); err != nil {
			return err
		}

		result = &WebhookResult{
			TenantID:     sender.TenantID,
			SenderName:   sender.SenderName,
			Event:        event,
			EventID:      record.ID,
			ProcessError: procErr,
		}
		return nil
	})
	if errors.Is(err, tenancy.ErrWorkItemNotFound) {
		err = ErrWebhookUnauthorized
	}
	if err != nil {
		if IsWebhookUnauthorized(err) {
			metrics.WebhookEvents.WithLabelValues(event, "unauthorized").Inc()
			s.logger.Debug("webhook rejected", zap.String("instance_id", payload.InstanceID), zap.String("event", event))
		} else {
			metrics.WebhookEvents.WithLabelValues(event, "error").Inc()
		}
		return nil, err
	}

	if result.ProcessError != nil {
		metrics.WebhookEvents.WithLabelValues(event, "process_error").Inc()
		s.logger.Warn("webhook processing failed",
			zap.Uint("tenant_id", result.TenantID),
			zap.String("sender", result.SenderName),
			zap.String("event", event),
			zap.Error(result.ProcessError))
	} else {
		metrics.WebhookEvents.WithLabelValues(event, "ok").Inc()
	}
	return result, nil
}

// apply dispatches an authenticated event by type; unknown types are only recorded
func (s *InboundFlowImpl) apply(ctx context.Context, sender *models.Sender, event string, data json.RawMessage) error {
	switch event {
	case WebhookQRCodeUpdate:
		var qr dto.EvolutionQRCodeData
		if err := json.Unmarshal(data, &qr); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		code := qr.QRCode.Base64
		if code == "" {
			code = qr.QRCode.Code
		}
		return s.senderRepo.UpdateFields(ctx, sender.ID, map[string]any{
			"qr_code":      code,
			"last_sync_at": s.now(),
		})

	case WebhookConnectionUpdate:
		var conn dto.EvolutionConnectionData
		if err := json.Unmarshal(data, &conn); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		state := models.ConnectionStateFromProvider(conn.State)
		updates := map[string]any{
			"connection_state": state,
			"last_sync_at":     s.now(),
		}
		if state == models.ConnectionConnected {
			updates["qr_code"] = ""
			if conn.ProfileName != "" {
				updates["profile_name"] = conn.ProfileName
			}
			if conn.ProfilePictureURL != "" {
				updates["profile_picture_url"] = conn.ProfilePictureURL
			}
		}
		s.logger.Info("sender connection changed", zap.String("sender", sender.SenderName), zap.String("state", string(state)))
		return s.senderRepo.UpdateFields(ctx, sender.ID, updates)

	case WebhookMessagesUpsert:
		var m dto.EvolutionMessageData
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		if m.Key.FromMe || strings.HasSuffix(m.Key.RemoteJID, "@g.us") {
			return nil
		}
		msg := inboundFromPayload(m, s.now())
		_, err := s.ProcessInbound(ctx, sender, msg)
		return err
	}
	return nil
}

func inboundFromPayload(m dto.EvolutionMessageData, now time.Time) InboundMessage {
	msg := InboundMessage{
		PeerPhone:         m.Key.RemoteJID,
		Type:              models.MessageTypeText,
		ProviderMessageID: m.Key.ID,
		PushName:          m.PushName,
		SentAt:            now,
	}
	if ts, err := m.MessageTimestamp.Int64(); err == nil && ts > 0 {
		msg.SentAt = time.Unix(ts, 0).UTC()
	}

	c := m.Message
	media := func(t models.MessageType, mm *dto.EvolutionMediaMessage) {
		msg.Type = t
		msg.MediaURL = mm.URL
		msg.Body = mm.Caption
	}
	switch {
	case c.Conversation != "":
		msg.Body = c.Conversation
	case c.ExtendedTextMessage != nil:
		msg.Body = c.ExtendedTextMessage.Text
	case c.ImageMessage != nil:
		media(models.MessageTypeImage, c.ImageMessage)
	case c.DocumentMessage != nil:
		media(models.MessageTypeDocument, c.DocumentMessage)
	case c.AudioMessage != nil:
		media(models.MessageTypeAudio, c.AudioMessage)
	case c.VideoMessage != nil:
		media(models.MessageTypeVideo, c.VideoMessage)
	}
	return msg
}

// ProcessInbound records an inbound message on the (tenant, sender, peer) conversation,
// creating the conversation on first contact. It must run under the sender's tenant scope.
func (s *InboundFlowImpl) ProcessInbound(ctx context.Context, sender *models.Sender, msg InboundMessage) (*models.Conversation, error) {
	if err := scopedTenant(ctx, sender.TenantID); err != nil {
		return nil, err
	}
	peer, err := utils.NormalizePhone(msg.PeerPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: peer phone %q", ErrMalformedWebhook, msg.PeerPhone)
	}
	now := s.now()
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}

	var (
		conv    *models.Conversation
		created bool
	)
	err = repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
		conv, err = s.conversationRepo.ByPeer(txCtx, sender.TenantID, sender.SenderName, peer)
		if err != nil {
			return err
		}
		if conv == nil {
			fresh, err := s.newConversation(txCtx, sender, peer, msg)
			if err != nil {
				return err
			}
			created, err = s.conversationRepo.CreateIfAbsent(txCtx, fresh)
			if err != nil {
				return err
			}
			if created {
				conv = fresh
			} else if conv, err = s.conversationRepo.ByPeer(txCtx, sender.TenantID, sender.SenderName, peer); err != nil {
				return err
			}
			if conv == nil {
				return ErrConversationNotFound
			}
		}

		if !created {
			seen, err := s.conversationRepo.HasProviderMessage(txCtx, conv.ID, msg.ProviderMessageID)
			if err != nil {
				return err
			}
			if seen {
				return errDuplicateInbound
			}
		}

		status := conv.Status
		switch {
		case created:
			status = models.ConversationUnread
		case conv.Status == models.ConversationClosed:
			status = models.ConversationOpen
		case conv.Status == models.ConversationReplied:
			status = models.ConversationUnread
		}
		if err := s.conversationRepo.UpdateFields(txCtx, conv.ID, map[string]any{
			"status":          status,
			"unread_count":    gorm.Expr("unread_count + ?", 1),
			"message_count":   gorm.Expr("message_count + ?", 1),
			"last_message_at": msg.SentAt,
			"last_inbound_at": msg.SentAt,
		}); err != nil {
			return err
		}
		conv.Status = status
		conv.UnreadCount++
		conv.MessageCount++
		conv.LastMessageAt = msg.SentAt
		conv.LastInboundAt = &msg.SentAt

		err := s.conversationRepo.AppendMessage(txCtx, &models.ConversationMessage{
			UUID:              uuid.New(),
			ConversationID:    conv.ID,
			Direction:         models.DirectionInbound,
			MessageType:       msg.Type,
			Body:              msg.Body,
			MediaURL:          msg.MediaURL,
			ProviderMessageID: msg.ProviderMessageID,
			IsRead:            false,
			SentAt:            msg.SentAt,
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) && msg.ProviderMessageID != "" {
			return errDuplicateInbound
		}
		return err
	})
	if errors.Is(err, errDuplicateInbound) {
		s.logger.Debug("inbound message already stored",
			zap.Uint("tenant_id", sender.TenantID),
			zap.String("sender", sender.SenderName),
			zap.String("message_id", msg.ProviderMessageID))
		conv, err = s.conversationRepo.ByPeer(ctx, sender.TenantID, sender.SenderName, peer)
		if err == nil && conv == nil {
			err = ErrConversationNotFound
		}
		return conv, err
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("inbound message stored",
		zap.Uint("tenant_id", sender.TenantID),
		zap.String("sender", sender.SenderName),
		zap.String("conversation", conv.UUID.String()),
		zap.Bool("new_conversation", created))
	publishEvent(ctx, s.publisher, s.logger, services.OutcomeEvent{
		Type:       services.EventInboundMessage,
		TenantID:   sender.TenantID,
		Phone:      peer,
		SenderName: sender.SenderName,
		MessageID:  msg.ProviderMessageID,
	}, now)
	return conv, nil
}

// newConversation builds a conversation for a first contact, linked best-effort to the
// most recent target sent to the same phone
func (s *InboundFlowImpl) newConversation(ctx context.Context, sender *models.Sender, peer string, msg InboundMessage) (*models.Conversation, error) {
	conv := &models.Conversation{
		UUID:           uuid.New(),
		TenantID:       sender.TenantID,
		SenderName:     sender.SenderName,
		PeerPhone:      peer,
		CustomerName:   msg.PushName,
		Status:         models.ConversationUnread,
		FirstMessageAt: msg.SentAt,
		LastMessageAt:  msg.SentAt,
	}
	target, err := s.targetRepo.LatestByPhone(ctx, peer)
	if err != nil {
		return nil, err
	}
	if target != nil {
		conv.OriginatedFromCampaignID = utils.ToPtr(target.CampaignID)
		if name := target.MemberData["name"]; name != "" {
			conv.CustomerName = name
		}
	}
	return conv, nil
}

// SendReply sends an agent reply through the conversation's sender. Nothing is stored
// when the provider rejects the message.
func (s *InboundFlowImpl) SendReply(ctx context.Context, req *dto.SendReplyRequest) (*dto.MessageResponse, error) {
	if strings.TrimSpace(req.Body) == "" && req.MediaURL == "" {
		return nil, NewBusinessError("REPLY_VALIDATION_FAILED", "Reply validation failed", ErrReplyEmpty)
	}

	var msg *models.ConversationMessage
	err := s.withConversation(ctx, req.TenantID, req.UUID, func(ctx context.Context, conv *models.Conversation) error {
		sender, err := s.senderRepo.ByName(ctx, conv.TenantID, conv.SenderName)
		if err != nil {
			return err
		}
		if sender == nil {
			return ErrSenderNotFound
		}

		instance := InstanceName(sender.TenantID, sender.SenderName)
		number := utils.ProviderNumber(conv.PeerPhone)
		msgType := models.MessageTypeText
		var res *services.SendResult
		if req.MediaURL != "" {
			msgType = models.MessageTypeImage
			if req.MessageType != "" {
				msgType = models.MessageType(req.MessageType)
			}
			res, err = s.provider.SendMedia(ctx, instance, number, req.MediaURL, req.Body)
		} else {
			res, err = s.provider.SendText(ctx, instance, number, req.Body)
		}
		if err != nil {
			return err
		}

		now := s.now()
		status := models.DeliverySent
		msg = &models.ConversationMessage{
			UUID:           uuid.New(),
			ConversationID: conv.ID,
			Direction:      models.DirectionOutbound,
			MessageType:    msgType,
			Body:           req.Body,
			MediaURL:       req.MediaURL,
			SentByAgent:    req.Agent,
			DeliveryStatus: &status,
			IsRead:         true,
			SentAt:         now,
		}
		if res != nil {
			msg.ProviderMessageID = res.MessageID
		}

		return repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
			if err := s.conversationRepo.AppendMessage(txCtx, msg); err != nil {
				return err
			}
			updates := map[string]any{
				"status":           models.ConversationReplied,
				"unread_count":     0,
				"message_count":    gorm.Expr("message_count + ?", 1),
				"last_message_at":  now,
				"last_outbound_at": now,
			}
			if conv.AssignedAgent == "" {
				updates["assigned_agent"] = req.Agent
			}
			if err := s.conversationRepo.UpdateFields(txCtx, conv.ID, updates); err != nil {
				return err
			}
			return s.conversationRepo.MarkMessagesRead(txCtx, conv.ID)
		})
	})
	if err != nil {
		return nil, NewBusinessError("REPLY_FAILED", "Failed to send reply", err)
	}

	resp := ToMessageResponse(msg)
	return &resp, nil
}

// MarkRead clears the unread counter; an unread conversation becomes open
func (s *InboundFlowImpl) MarkRead(ctx context.Context, req *dto.ConversationRequest) (*dto.ConversationResponse, error) {
	var resp dto.ConversationResponse
	err := s.withConversation(ctx, req.TenantID, req.UUID, func(ctx context.Context, conv *models.Conversation) error {
		updates := map[string]any{"unread_count": 0}
		if conv.Status == models.ConversationUnread {
			updates["status"] = models.ConversationOpen
			conv.Status = models.ConversationOpen
		}
		err := repository.WithTenantTransaction(ctx, func(txCtx context.Context) error {
			if err := s.conversationRepo.UpdateFields(txCtx, conv.ID, updates); err != nil {
				return err
			}
			return s.conversationRepo.MarkMessagesRead(txCtx, conv.ID)
		})
		if err != nil {
			return err
		}
		conv.UnreadCount = 0
		resp = ToConversationResponse(conv)
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("CONVERSATION_UPDATE_FAILED", "Failed to mark conversation read", err)
	}
	return &resp, nil
}

// CloseConversation closes the thread; the next inbound message reopens it
func (s *InboundFlowImpl) CloseConversation(ctx context.Context, req *dto.ConversationRequest) (*dto.ConversationResponse, error) {
	var resp dto.ConversationResponse
	err := s.withConversation(ctx, req.TenantID, req.UUID, func(ctx context.Context, conv *models.Conversation) error {
		if err := s.conversationRepo.UpdateFields(ctx, conv.ID, map[string]any{"status": models.ConversationClosed}); err != nil {
			return err
		}
		conv.Status = models.ConversationClosed
		resp = ToConversationResponse(conv)
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("CONVERSATION_UPDATE_FAILED", "Failed to close conversation", err)
	}
	return &resp, nil
}

// ListConversations returns the inbox, most recent activity first
func (s *InboundFlowImpl) ListConversations(ctx context.Context, req *dto.ListConversationsRequest) (*dto.ListConversationsResponse, error) {
	offset := req.Normalize()
	filter := models.ConversationFilter{TenantID: &req.TenantID}
	if req.Status != "" {
		status := models.ConversationStatus(req.Status)
		filter.Status = &status
	}
	if req.SenderName != "" {
		filter.SenderName = &req.SenderName
	}

	resp := &dto.ListConversationsResponse{Items: []dto.ConversationResponse{}}
	err := s.registry.Within(ctx, req.TenantID, func(ctx context.Context) error {
		total, err := s.conversationRepo.Count(ctx, filter)
		if err != nil {
			return err
		}
		rows, err := s.conversationRepo.ByFilter(ctx, filter, "last_message_at DESC, id DESC", req.Limit, offset)
		if err != nil {
			return err
		}
		for _, c := range rows {
			resp.Items = append(resp.Items, ToConversationResponse(c))
		}
		resp.Pagination = dto.NewPaginationInfo(total, req.Page, req.Limit)
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("CONVERSATION_LIST_FAILED", "Failed to list conversations", err)
	}
	return resp, nil
}

// ListMessages pages through a conversation in send order; it never changes read state
func (s *InboundFlowImpl) ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error) {
	offset := req.Normalize()
	resp := &dto.ListMessagesResponse{Items: []dto.MessageResponse{}}
	err := s.withConversation(ctx, req.TenantID, req.UUID, func(ctx context.Context, conv *models.Conversation) error {
		rows, err := s.conversationRepo.Messages(ctx, conv.ID, req.Limit, offset)
		if err != nil {
			return err
		}
		for _, m := range rows {
			resp.Items = append(resp.Items, ToMessageResponse(m))
		}
		resp.Pagination = dto.NewPaginationInfo(int64(conv.MessageCount), req.Page, req.Limit)
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("MESSAGE_LIST_FAILED", "Failed to list messages", err)
	}
	return resp, nil
}

func (s *InboundFlowImpl) withConversation(ctx context.Context, tenantID uint, convUUID string, fn func(ctx context.Context, conv *models.Conversation) error) error {
	id, err := parseUUID(convUUID, ErrConversationNotFound)
	if err != nil {
		return err
	}
	return s.registry.Within(ctx, tenantID, func(ctx context.Context) error {
		conv, err := s.conversationRepo.ByUUID(ctx, id)
		if err != nil {
			return err
		}
		if conv == nil || conv.TenantID != tenantID {
			return ErrConversationNotFound
		}
		return fn(ctx, conv)
	})
}
