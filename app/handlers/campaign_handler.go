package handlers

import (
	"context"
	"strconv"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// CampaignHandlerInterface defines the contract for campaign handlers
type CampaignHandlerInterface interface {
	CreateCampaign(c fiber.Ctx) error
	GetCampaign(c fiber.Ctx) error
	ListCampaigns(c fiber.Ctx) error
	StartCampaign(c fiber.Ctx) error
	PauseCampaign(c fiber.Ctx) error
	ResumeCampaign(c fiber.Ctx) error
	CancelCampaign(c fiber.Ctx) error
	MarkFailed(c fiber.Ctx) error
	RequeueFailed(c fiber.Ctx) error
	ExportErrors(c fiber.Ctx) error
}

// CampaignHandler handles campaign-related HTTP requests
type CampaignHandler struct {
	baseHandler
	campaignFlow businessflow.CampaignFlow
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignFlow businessflow.CampaignFlow, logger *zap.Logger) *CampaignHandler {
	return &CampaignHandler{
		baseHandler:  newBaseHandler("campaign_handler", logger),
		campaignFlow: campaignFlow,
	}
}

// CreateCampaign stores a draft campaign
// @Summary Create Campaign
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param request body dto.CreateCampaignRequest true "Campaign creation data"
// @Success 201 {object} dto.APIResponse{data=dto.CampaignResponse}
// @Failure 400 {object} dto.APIResponse "Validation error or invalid request"
// @Failure 404 {object} dto.APIResponse "Template, audience or sender not found"
// @Router /api/v1/campaigns [post]
func (h *CampaignHandler) CreateCampaign(c fiber.Ctx) error {
	var req dto.CreateCampaignRequest
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

	ctx, cancel := requestContext(c, "/api/v1/campaigns")
	defer cancel()

	result, err := h.campaignFlow.CreateCampaign(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "CAMPAIGN_CREATION_FAILED", "Campaign creation failed")
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Campaign created successfully", result)
}

// GetCampaign returns one campaign with its target counts per state
// @Summary Get Campaign
// @Tags Campaigns
// @Produce json
// @Param uuid path string true "Campaign UUID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignResponse}
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Router /api/v1/campaigns/{uuid} [get]
func (h *CampaignHandler) GetCampaign(c fiber.Ctx) error {
	req, ok, err := h.actionRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/campaigns/"+req.UUID)
	defer cancel()

	result, err := h.campaignFlow.GetCampaign(ctx, req)
	if err != nil {
		return h.businessError(c, err, "CAMPAIGN_FETCH_FAILED", "Failed to fetch campaign")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaign retrieved successfully", result)
}

// ListCampaigns returns the tenant's campaigns, newest first
func (h *CampaignHandler) ListCampaigns(c fiber.Ctx) error {
	tenant, ok := tenantID(c)
	if !ok {
		return h.missingTenant(c)
	}

	req := dto.ListCampaignsRequest{
		TenantID: tenant,
		Status:   c.Query("status"),
	}
	req.Page, _ = strconv.Atoi(c.Query("page", "1"))
	req.Limit, _ = strconv.Atoi(c.Query("limit", "20"))
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/campaigns")
	defer cancel()

	result, err := h.campaignFlow.ListCampaigns(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "CAMPAIGN_LIST_FAILED", "Failed to list campaigns")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaigns retrieved successfully", result)
}

// StartCampaign materializes targets and starts (or schedules) the batch loop
// @Summary Start Campaign
// @Tags Campaigns
// @Produce json
// @Param uuid path string true "Campaign UUID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignActionResponse}
// @Failure 400 {object} dto.APIResponse "Template empty, audience empty or no connected sender"
// @Failure 409 {object} dto.APIResponse "Campaign is not a draft"
// @Router /api/v1/campaigns/{uuid}/start [post]
func (h *CampaignHandler) StartCampaign(c fiber.Ctx) error {
	return h.action(c, "start", h.campaignFlow.StartCampaign)
}

func (h *CampaignHandler) PauseCampaign(c fiber.Ctx) error {
	return h.action(c, "pause", h.campaignFlow.PauseCampaign)
}

func (h *CampaignHandler) ResumeCampaign(c fiber.Ctx) error {
	return h.action(c, "resume", h.campaignFlow.ResumeCampaign)
}

// CancelCampaign cancels every target that has not been handed to a sender yet
func (h *CampaignHandler) CancelCampaign(c fiber.Ctx) error {
	return h.action(c, "cancel", h.campaignFlow.CancelCampaign)
}

// MarkFailed flags the campaign non-recoverable; it then ends failed if any target failed
func (h *CampaignHandler) MarkFailed(c fiber.Ctx) error {
	return h.action(c, "mark-failed", h.campaignFlow.MarkNonRecoverable)
}

func (h *CampaignHandler) RequeueFailed(c fiber.Ctx) error {
	return h.action(c, "requeue-failed", h.campaignFlow.RequeueFailed)
}

// ExportErrors downloads the failed targets of a campaign as an Excel workbook
// @Summary Export Campaign Errors
// @Tags Campaigns
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param uuid path string true "Campaign UUID"
// @Success 200 {file} file
// @Router /api/v1/campaigns/{uuid}/errors.xlsx [get]
func (h *CampaignHandler) ExportErrors(c fiber.Ctx) error {
	req, ok, err := h.actionRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/campaigns/"+req.UUID+"/errors.xlsx")
	defer cancel()

	filename, data, err := h.campaignFlow.ExportErrors(ctx, req)
	if err != nil {
		return h.businessError(c, err, "EXPORT_FAILED", "Failed to export campaign errors")
	}
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Send(data)
}

type campaignAction func(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)

func (h *CampaignHandler) action(c fiber.Ctx, name string, fn campaignAction) error {
	req, ok, err := h.actionRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c, "/api/v1/campaigns/"+req.UUID+"/"+name)
	defer cancel()

	result, err := fn(ctx, req)
	if err != nil {
		return h.businessError(c, err, "CAMPAIGN_ACTION_FAILED", "Campaign "+name+" failed")
	}
	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// actionRequest builds the request addressing the campaign in the path. When ok is
// false the error response has already been written.
func (h *CampaignHandler) actionRequest(c fiber.Ctx) (*dto.CampaignActionRequest, bool, error) {
	tenant, ok := tenantID(c)
	if !ok {
		return nil, false, h.missingTenant(c)
	}
	req := &dto.CampaignActionRequest{TenantID: tenant, UUID: c.Params("uuid")}
	if ok, err := h.validate(c, req); !ok {
		return nil, false, err
	}
	return req, true, nil
}
