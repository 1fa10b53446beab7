package businessflow

import (
	"context"
	"strings"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TemplateFlow stores message templates for a tenant
type TemplateFlow interface {
	CreateTemplate(ctx context.Context, req *dto.CreateTemplateRequest) (*dto.TemplateResponse, error)
}

type TemplateFlowImpl struct {
	registry     *tenancy.Registry
	templateRepo repository.TemplateRepository
	logger       *zap.Logger
}

func NewTemplateFlow(registry *tenancy.Registry, templateRepo repository.TemplateRepository, logger *zap.Logger) TemplateFlow {
	return &TemplateFlowImpl{
		registry:     registry,
		templateRepo: templateRepo,
		logger:       logger.Named("template_flow"),
	}
}

func (s *TemplateFlowImpl) CreateTemplate(ctx context.Context, req *dto.CreateTemplateRequest) (*dto.TemplateResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, NewBusinessError("TEMPLATE_VALIDATION_FAILED", "Template validation failed", ErrTemplateEmpty)
	}

	tpl := &models.MessageTemplate{
		UUID:          uuid.New(),
		TenantID:      req.TenantID,
		Name:          req.Name,
		Content:       req.Content,
		VariationA:    req.VariationA,
		VariationB:    req.VariationB,
		UseVariations: req.UseVariations,
	}
	err := s.registry.Within(ctx, req.TenantID, func(ctx context.Context) error {
		return s.templateRepo.Save(ctx, tpl)
	})
	if err != nil {
		return nil, NewBusinessError("TEMPLATE_CREATION_FAILED", "Template creation failed", err)
	}

	s.logger.Info("template created", zap.Uint("tenant_id", req.TenantID), zap.String("template", tpl.UUID.String()))
	resp := ToTemplateResponse(tpl)
	return &resp, nil
}
