package handlers

import (
	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// SenderHandlerInterface defines the contract for sender handlers
type SenderHandlerInterface interface {
	CreateSender(c fiber.Ctx) error
	ListSenders(c fiber.Ctx) error
	GetQR(c fiber.Ctx) error
	RefreshSender(c fiber.Ctx) error
	RestartSender(c fiber.Ctx) error
	CheckNumbers(c fiber.Ctx) error
	DeleteSender(c fiber.Ctx) error
}

// SenderHandler handles WhatsApp sender HTTP requests
type SenderHandler struct {
	baseHandler
	senderFlow businessflow.SenderFlow
}

func NewSenderHandler(senderFlow businessflow.SenderFlow, logger *zap.Logger) *SenderHandler {
	return &SenderHandler{
		baseHandler: newBaseHandler("sender_handler", logger),
		senderFlow:  senderFlow,
	}
}

// CreateSender provisions a provider instance. The webhook secret is only returned here.
// @Summary Create Sender
// @Tags Senders
// @Accept json
// @Produce json
// @Param request body dto.CreateSenderRequest true "Sender data"
// @Success 201 {object} dto.APIResponse{data=dto.CreateSenderResponse}
// @Failure 400 {object} dto.APIResponse "Validation error or sender limit reached"
// @Failure 409 {object} dto.APIResponse "Sender name already exists"
// @Failure 502 {object} dto.APIResponse "Provider rejected the instance"
// @Router /api/v1/senders [post]
func (h *SenderHandler) CreateSender(c fiber.Ctx) error {
	var req dto.CreateSenderRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}
	req.TenantID = tenant

	ctx, cancel := requestContext(c, "/api/v1/senders")
	defer cancel()

	result, err := h.senderFlow.CreateSender(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "SENDER_CREATION_FAILED", "Sender creation failed")
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Sender created successfully", result)
}

func (h *SenderHandler) ListSenders(c fiber.Ctx) error {
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}

	ctx, cancel := requestContext(c, "/api/v1/senders")
	defer cancel()

	result, err := h.senderFlow.ListSenders(ctx, tenant)
	if err != nil {
		return h.businessError(c, err, "SENDER_LIST_FAILED", "Failed to list senders")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Senders retrieved successfully", result)
}

// GetQR fetches a fresh pairing QR code from the provider
func (h *SenderHandler) GetQR(c fiber.Ctx) error {
	req, ok, err := h.senderRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/senders/"+req.SenderName+"/qr")
	defer cancel()

	result, err := h.senderFlow.GetQR(ctx, req)
	if err != nil {
		return h.businessError(c, err, "SENDER_QR_FAILED", "Failed to fetch QR code")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "QR code retrieved successfully", result)
}

// RefreshSender syncs connection state and profile from the provider
func (h *SenderHandler) RefreshSender(c fiber.Ctx) error {
	req, ok, err := h.senderRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/senders/"+req.SenderName+"/refresh")
	defer cancel()

	result, err := h.senderFlow.RefreshSender(ctx, req)
	if err != nil {
		return h.businessError(c, err, "SENDER_REFRESH_FAILED", "Failed to refresh sender")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Sender refreshed successfully", result)
}

func (h *SenderHandler) RestartSender(c fiber.Ctx) error {
	req, ok, err := h.senderRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/senders/"+req.SenderName+"/restart")
	defer cancel()

	result, err := h.senderFlow.RestartSender(ctx, req)
	if err != nil {
		return h.businessError(c, err, "SENDER_RESTART_FAILED", "Failed to restart sender")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Sender restarted successfully", result)
}

// CheckNumbers asks the provider which phones have a WhatsApp account
func (h *SenderHandler) CheckNumbers(c fiber.Ctx) error {
	var req dto.CheckNumbersRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}
	req.TenantID = tenant
	req.SenderName = c.Params("name")
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/senders/"+req.SenderName+"/check-numbers")
	defer cancel()

	result, err := h.senderFlow.CheckNumbers(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "CHECK_NUMBERS_FAILED", "Failed to check numbers")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Numbers checked successfully", result)
}

// DeleteSender removes the provider instance and the sender
func (h *SenderHandler) DeleteSender(c fiber.Ctx) error {
	req, ok, err := h.senderRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/senders/"+req.SenderName)
	defer cancel()

	if err := h.senderFlow.DeleteSender(ctx, req); err != nil {
		return h.businessError(c, err, "SENDER_DELETE_FAILED", "Failed to delete sender")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Sender deleted successfully", fiber.Map{"sender_name": req.SenderName})
}

func (h *SenderHandler) senderRequest(c fiber.Ctx) (*dto.SenderRequest, bool, error) {
	tenant, ok := tenantID(c)
	if !ok {
		return nil, false, h.missingTenant(c)
	}
	req := &dto.SenderRequest{TenantID: tenant, SenderName: c.Params("name")}
	if ok, err := h.validate(c, req); !ok {
		return nil, false, err
	}
	return req, true, nil
}
