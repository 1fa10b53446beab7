package handlers

import (
	"context"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/gofiber/fiber/v3"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]HealthCheck
	service string
}

func NewHealthHandler(service string, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, service: service}
}

// Health reports 503 when any dependency probe fails
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	status := fiber.StatusOK
	components := make(fiber.Map, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			components[name] = "down"
			status = fiber.StatusServiceUnavailable
			continue
		}
		components[name] = "up"
	}

	message := "Service is healthy"
	if status != fiber.StatusOK {
		message = "Service is degraded"
	}
	return c.Status(status).JSON(dto.APIResponse{
		Success: status == fiber.StatusOK,
		Message: message,
		Data: fiber.Map{
			"service":    h.service,
			"timestamp":  utils.UTCNow().Unix(),
			"components": components,
		},
	})
}
