// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/middleware"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

// baseHandler carries the pieces every operator handler shares
type baseHandler struct {
	validator *validator.Validate
	logger    *zap.Logger
}

func newBaseHandler(name string, logger *zap.Logger) baseHandler {
	return baseHandler{
		validator: validator.New(),
		logger:    logger.Named(name),
	}
}

func (h *baseHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *baseHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// validate runs struct validation and writes the 400 response; ok is false when it did
func (h *baseHandler) validate(c fiber.Ctx, req any) (bool, error) {
	err := h.validator.Struct(req)
	if err == nil {
		return true, nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", err.Error())
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, getValidationErrorMessage(fe))
	}
	return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", messages)
}

// tenantID returns the tenant bound to the request by the auth middleware
func tenantID(c fiber.Ctx) (uint, bool) {
	id, ok := c.Locals(middleware.LocalTenantID).(uint)
	return id, ok && id != 0
}

func (h *baseHandler) missingTenant(c fiber.Ctx) error {
	return h.ErrorResponse(c, fiber.StatusUnauthorized, "Tenant not found in context", "MISSING_TENANT", nil)
}

// businessError maps a flow error to its HTTP status. Unknown errors are logged and
// reported as fallbackCode without detail.
func (h *baseHandler) businessError(c fiber.Ctx, err error, fallbackCode, fallbackMessage string) error {
	code := businessflow.ErrorCode(err, "")
	switch {
	case businessflow.IsTenantScopeError(err):
		return h.ErrorResponse(c, fiber.StatusForbidden, "Tenant is not served by this deployment", "TENANT_UNAVAILABLE", nil)
	case businessflow.IsValidation(err):
		if code == "" {
			code = "VALIDATION_ERROR"
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, businessMessage(err), code, nil)
	case businessflow.IsNotFound(err):
		if code == "" {
			code = "NOT_FOUND"
		}
		return h.ErrorResponse(c, fiber.StatusNotFound, businessMessage(err), code, nil)
	case businessflow.IsConflict(err):
		if code == "" {
			code = "CONFLICT"
		}
		return h.ErrorResponse(c, fiber.StatusConflict, businessMessage(err), code, nil)
	}
	if kind, ok := businessflow.IsProviderError(err); ok {
		status := fiber.StatusBadGateway
		if kind == services.ProviderErrRateLimited {
			status = fiber.StatusTooManyRequests
		}
		return h.ErrorResponse(c, status, "WhatsApp provider request failed", "PROVIDER_ERROR", fiber.Map{"kind": kind})
	}

	h.logger.Error(fallbackMessage, zap.Error(err), zap.String("path", c.Path()))
	return h.ErrorResponse(c, fiber.StatusInternalServerError, fallbackMessage, fallbackCode, nil)
}

func businessMessage(err error) string {
	var be *businessflow.BusinessError
	if errors.As(err, &be) && be.Err != nil {
		return be.Err.Error()
	}
	return err.Error()
}

// requestContext creates a context with a timeout and request-scoped values. The request
// is detached from the fiber context, which is recycled once the handler returns.
func requestContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)

	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)

	return ctx, cancel
}

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "required_without":
		return err.Field() + " is required when " + err.Param() + " is empty"
	case "min":
		return err.Field() + " must be at least " + err.Param()
	case "max":
		return err.Field() + " must be at most " + err.Param()
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "uuid":
		return err.Field() + " must be a valid UUID"
	case "url":
		return err.Field() + " must be a valid URL"
	case "gtefield":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}
