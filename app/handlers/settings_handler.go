package handlers

import (
	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// SettingsHandler reads and replaces the tenant's campaign settings
type SettingsHandler struct {
	baseHandler
	settingsFlow businessflow.SettingsFlow
}

func NewSettingsHandler(settingsFlow businessflow.SettingsFlow, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		baseHandler:  newBaseHandler("settings_handler", logger),
		settingsFlow: settingsFlow,
	}
}

// GetSettings returns the effective settings, defaults included
func (h *SettingsHandler) GetSettings(c fiber.Ctx) error {
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}

	ctx, cancel := requestContext(c, "/api/v1/settings")
	defer cancel()

	result, err := h.settingsFlow.GetSettings(ctx, tenant)
	if err != nil {
		return h.businessError(c, err, "SETTINGS_FETCH_FAILED", "Failed to fetch settings")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Settings retrieved successfully", result)
}

// PutSettings replaces the whole policy
// @Summary Replace Campaign Settings
// @Tags Settings
// @Accept json
// @Produce json
// @Param request body dto.CampaignSettingsRequest true "Settings"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignSettingsResponse}
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Router /api/v1/settings [put]
func (h *SettingsHandler) PutSettings(c fiber.Ctx) error {
	var req dto.CampaignSettingsRequest
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

	ctx, cancel := requestContext(c, "/api/v1/settings")
	defer cancel()

	result, err := h.settingsFlow.PutSettings(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "SETTINGS_UPDATE_FAILED", "Failed to update settings")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Settings updated successfully", result)
}
