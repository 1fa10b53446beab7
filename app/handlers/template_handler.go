package handlers

import (
	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

type TemplateHandler struct {
	baseHandler
	templateFlow businessflow.TemplateFlow
}

func NewTemplateHandler(templateFlow businessflow.TemplateFlow, logger *zap.Logger) *TemplateHandler {
	return &TemplateHandler{
		baseHandler:  newBaseHandler("template_handler", logger),
		templateFlow: templateFlow,
	}
}

// CreateTemplate stores a message template with up to two variations
func (h *TemplateHandler) CreateTemplate(c fiber.Ctx) error {
	var req dto.CreateTemplateRequest
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

	ctx, cancel := requestContext(c, "/api/v1/templates")
	defer cancel()

	result, err := h.templateFlow.CreateTemplate(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "TEMPLATE_CREATION_FAILED", "Template creation failed")
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Template created successfully", result)
}
