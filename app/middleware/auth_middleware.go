// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"errors"
	"strings"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/gofiber/fiber/v3"
)

// Locals keys set by Authenticate
const (
	LocalTenantID = "tenant_id"
	LocalOperator = "operator"
	LocalTokenID  = "token_id"
)

// AuthMiddleware validates operator bearer tokens and binds the request to their tenant
type AuthMiddleware struct {
	tokenService services.TokenService
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokenService services.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

func unauthorized(c fiber.Ctx, message, code string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error:   dto.ErrorDetail{Code: code},
	})
}

// Authenticate is the middleware function that validates JWT tokens
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Authorization header is required", "MISSING_AUTHORIZATION_HEADER")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return unauthorized(c, "Invalid authorization header format. Expected 'Bearer <token>'", "INVALID_AUTHORIZATION_FORMAT")
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			return unauthorized(c, "Access token is required", "MISSING_ACCESS_TOKEN")
		}

		// Validate the token (this already checks for revocation)
		claims, err := m.tokenService.ValidateToken(token)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrTokenExpired):
				return unauthorized(c, "Access token has expired", "TOKEN_EXPIRED")
			case errors.Is(err, services.ErrTokenRevoked):
				return unauthorized(c, "Access token has been revoked", "TOKEN_REVOKED")
			case errors.Is(err, services.ErrTokenInvalid):
				return unauthorized(c, "Invalid access token", "TOKEN_INVALID")
			default:
				return unauthorized(c, "Token validation failed", "TOKEN_VALIDATION_FAILED")
			}
		}
		if claims.TenantID == 0 {
			return unauthorized(c, "Token carries no tenant", "MISSING_TENANT")
		}

		c.Locals(LocalTenantID, claims.TenantID)
		c.Locals(LocalOperator, claims.Operator)
		c.Locals(LocalTokenID, claims.TokenID)
		if requestID := c.Get("X-Request-ID"); requestID != "" {
			c.Locals("request_id", requestID)
		}

		return c.Next()
	}
}

// Logout revokes the bearer token that authenticated the request; it must run after Authenticate
func (m *AuthMiddleware) Logout() fiber.Handler {
	return func(c fiber.Ctx) error {
		token := strings.TrimSpace(strings.TrimPrefix(c.Get("Authorization"), "Bearer "))
		if err := m.tokenService.RevokeToken(token); err != nil {
			return unauthorized(c, "Access token cannot be revoked", "TOKEN_INVALID")
		}
		return c.JSON(dto.APIResponse{
			Success: true,
			Message: "Logged out",
		})
	}
}
