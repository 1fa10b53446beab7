package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*fiber.App, services.TokenService) {
	t.Helper()
	tokens, err := services.NewTokenService(config.JWTConfig{
		SecretKey:      "test-secret-key-for-jwt-signing-32-chars",
		Issuer:         "test-issuer",
		Audience:       "test-audience",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(tokens).Authenticate(), func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"tenant_id": c.Locals(LocalTenantID),
			"operator":  c.Locals(LocalOperator),
		})
	})
	return app, tokens
}

func TestAuthenticateRejects(t *testing.T) {
	app, tokens := newTestApp(t)

	revoked, err := tokens.GenerateToken(4, "ops")
	require.NoError(t, err)
	require.NoError(t, tokens.RevokeToken(revoked))

	tests := []struct {
		name     string
		header   string
		wantCode string
	}{
		{name: "MissingHeader", wantCode: "MISSING_AUTHORIZATION_HEADER"},
		{name: "WrongScheme", header: "Basic abc", wantCode: "INVALID_AUTHORIZATION_FORMAT"},
		{name: "Garbage", header: "Bearer not.a.jwt", wantCode: "TOKEN_INVALID"},
		{name: "Revoked", header: "Bearer " + revoked, wantCode: "TOKEN_REVOKED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			var out struct {
				dto.APIResponse
				Error dto.ErrorDetail `json:"error"`
			}
			require.NoError(t, json.Unmarshal(body, &out))
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantCode, out.Error.Code)
		})
	}
}

func TestAuthenticateBindsTenant(t *testing.T) {
	app, tokens := newTestApp(t)

	token, err := tokens.GenerateToken(9, "alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.EqualValues(t, 9, out["tenant_id"])
	assert.Equal(t, "alice", out["operator"])
}

func TestLogoutRevokesToken(t *testing.T) {
	app, tokens := newTestApp(t)
	auth := NewAuthMiddleware(tokens)
	app.Post("/logout", auth.Authenticate(), auth.Logout())

	token, err := tokens.GenerateToken(9, "alice")
	require.NoError(t, err)
	other, err := tokens.GenerateToken(9, "bob")
	require.NoError(t, err)

	call := func(method, path, token string) *http.Response {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	resp := call(http.MethodPost, "/logout", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = call(http.MethodGet, "/me", token)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	var out struct {
		Error dto.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "TOKEN_REVOKED", out.Error.Code)

	// a second logout with the same token never reaches the handler
	resp = call(http.MethodPost, "/logout", token)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = call(http.MethodGet, "/me", other)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
