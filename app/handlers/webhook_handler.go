package handlers

import (
	"context"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

const webhookTimeout = 15 * time.Second

// WebhookHandler receives provider callbacks. Responses never carry internal state:
// the provider only learns whether the call was accepted.
type WebhookHandler struct {
	inboundFlow  businessflow.InboundFlow
	secretHeader string
	logger       *zap.Logger
}

func NewWebhookHandler(inboundFlow businessflow.InboundFlow, secretHeader string, logger *zap.Logger) *WebhookHandler {
	if secretHeader == "" {
		secretHeader = "X-Webhook-Secret"
	}
	return &WebhookHandler{
		inboundFlow:  inboundFlow,
		secretHeader: secretHeader,
		logger:       logger.Named("webhook_handler"),
	}
}

func webhookReply(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(dto.APIResponse{Success: status == fiber.StatusOK, Message: message})
}

// Receive handles every method on the webhook path; only POST is accepted
func (h *WebhookHandler) Receive(c fiber.Ctx) error {
	if c.Method() != fiber.MethodPost {
		c.Set(fiber.HeaderAllow, fiber.MethodPost)
		return webhookReply(c, fiber.StatusMethodNotAllowed, "method not allowed")
	}

	// the fiber body buffer is reused after the handler returns
	body := append([]byte(nil), c.Body()...)
	secret := c.Get(h.secretHeader)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	result, err := h.inboundFlow.HandleWebhook(ctx, secret, body)
	switch {
	case err == nil:
	case businessflow.IsMalformedWebhook(err):
		return webhookReply(c, fiber.StatusBadRequest, "malformed payload")
	case businessflow.IsWebhookUnauthorized(err):
		return webhookReply(c, fiber.StatusUnauthorized, "unauthorized")
	default:
		h.logger.Error("webhook handling failed", zap.Error(err))
		return webhookReply(c, fiber.StatusInternalServerError, "temporarily unavailable")
	}

	if result.ProcessError != nil {
		h.logger.Warn("webhook accepted with processing error",
			zap.Uint("tenant_id", result.TenantID),
			zap.String("sender", result.SenderName),
			zap.String("event", result.Event),
			zap.Uint("event_id", result.EventID),
			zap.Error(result.ProcessError),
		)
	}
	return webhookReply(c, fiber.StatusOK, "accepted")
}
