package handlers

import (
	"strconv"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// ConversationHandler serves the shared inbox
type ConversationHandler struct {
	baseHandler
	inboundFlow businessflow.InboundFlow
}

func NewConversationHandler(inboundFlow businessflow.InboundFlow, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		baseHandler: newBaseHandler("conversation_handler", logger),
		inboundFlow: inboundFlow,
	}
}

// ListConversations returns the inbox ordered by last activity
// @Summary List Conversations
// @Tags Conversations
// @Produce json
// @Param status query string false "unread, open, replied or closed"
// @Param sender_name query string false "Sender name"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} dto.APIResponse{data=dto.ListConversationsResponse}
// @Router /api/v1/conversations [get]
func (h *ConversationHandler) ListConversations(c fiber.Ctx) error {
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}
	req := dto.ListConversationsRequest{
		TenantID:   tenant,
		Status:     c.Query("status"),
		SenderName: c.Query("sender_name"),
	}
	req.Page, _ = strconv.Atoi(c.Query("page", "1"))
	req.Limit, _ = strconv.Atoi(c.Query("limit", "20"))
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/conversations")
	defer cancel()

	result, err := h.inboundFlow.ListConversations(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "CONVERSATION_LIST_FAILED", "Failed to list conversations")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Conversations retrieved successfully", result)
}

func (h *ConversationHandler) ListMessages(c fiber.Ctx) error {
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}
	req := dto.ListMessagesRequest{TenantID: tenant, UUID: c.Params("uuid")}
	req.Page, _ = strconv.Atoi(c.Query("page", "1"))
	req.Limit, _ = strconv.Atoi(c.Query("limit", "50"))
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/conversations/"+req.UUID+"/messages")
	defer cancel()

	result, err := h.inboundFlow.ListMessages(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "MESSAGE_LIST_FAILED", "Failed to list messages")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Messages retrieved successfully", result)
}

// Reply sends an agent message through the conversation's sender
func (h *ConversationHandler) Reply(c fiber.Ctx) error {
	var req dto.SendReplyRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}
	req.TenantID = tenant
	req.UUID = c.Params("uuid")
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/conversations/"+req.UUID+"/reply")
	defer cancel()

	result, err := h.inboundFlow.SendReply(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "REPLY_FAILED", "Failed to send reply")
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Reply sent successfully", result)
}

func (h *ConversationHandler) MarkRead(c fiber.Ctx) error {
	req, ok, err := h.conversationRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/conversations/"+req.UUID+"/read")
	defer cancel()

	result, err := h.inboundFlow.MarkRead(ctx, req)
	if err != nil {
		return h.businessError(c, err, "MARK_READ_FAILED", "Failed to mark conversation read")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Conversation marked read", result)
}

func (h *ConversationHandler) Close(c fiber.Ctx) error {
	req, ok, err := h.conversationRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/conversations/"+req.UUID+"/close")
	defer cancel()

	result, err := h.inboundFlow.CloseConversation(ctx, req)
	if err != nil {
		return h.businessError(c, err, "CLOSE_FAILED", "Failed to close conversation")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Conversation closed", result)
}

func (h *ConversationHandler) conversationRequest(c fiber.Ctx) (*dto.ConversationRequest, bool, error) {
	tenant, ok := tenantID(c)
	if !ok {
		return nil, false, h.missingTenant(c)
	}
	req := &dto.ConversationRequest{TenantID: tenant, UUID: c.Params("uuid")}
	if ok, err := h.validate(c, req); !ok {
		return nil, false, err
	}
	return req, true, nil
}
