package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/middleware"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTenantHeader = "X-Test-Tenant"

// stubCampaignFlow answers CreateCampaign and StartCampaign with canned results
type stubCampaignFlow struct {
	businessflow.CampaignFlow
	err      error
	lastReq  *dto.CreateCampaignRequest
	lastUUID string
}

func (s *stubCampaignFlow) CreateCampaign(_ context.Context, req *dto.CreateCampaignRequest) (*dto.CampaignResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &dto.CampaignResponse{UUID: uuid.NewString(), Name: req.Name, Status: "draft"}, nil
}

func (s *stubCampaignFlow) StartCampaign(_ context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	s.lastUUID = req.UUID
	if s.err != nil {
		return nil, s.err
	}
	return &dto.CampaignActionResponse{Message: "Campaign started", UUID: req.UUID, Status: "running"}, nil
}

// stubInboundFlow answers HandleWebhook only
type stubInboundFlow struct {
	businessflow.InboundFlow
	result     *businessflow.WebhookResult
	err        error
	lastSecret string
	lastBody   string
}

func (s *stubInboundFlow) HandleWebhook(_ context.Context, secret string, body []byte) (*businessflow.WebhookResult, error) {
	s.lastSecret = secret
	s.lastBody = string(body)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &businessflow.WebhookResult{TenantID: 1, SenderName: "main", Event: "messages.upsert"}, nil
}

// withTestTenant stands in for the auth middleware
func withTestTenant(c fiber.Ctx) error {
	if v := c.Get(testTenantHeader); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		c.Locals(middleware.LocalTenantID, uint(id))
	}
	return c.Next()
}

func decode(t *testing.T, resp *http.Response) dto.APIResponse {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out dto.APIResponse
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func errorCode(t *testing.T, r dto.APIResponse) string {
	t.Helper()
	detail, ok := r.Error.(map[string]any)
	require.True(t, ok, "error detail missing")
	code, _ := detail["code"].(string)
	return code
}

func validCampaignBody() string {
	return fmt.Sprintf(`{"name":"autumn promo","template_uuid":"%s","audience_uuid":"%s","rate_per_hour":60,"min_delay_minutes":1,"max_delay_minutes":3}`,
		uuid.NewString(), uuid.NewString())
}

func TestCreateCampaign(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		tenant     string
		flowErr    error
		wantStatus int
		wantCode   string
	}{
		{name: "Created", body: validCampaignBody(), tenant: "7", wantStatus: fiber.StatusCreated},
		{name: "MalformedBody", body: `{"name":`, tenant: "7", wantStatus: fiber.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "MissingName", body: `{"template_uuid":"x"}`, tenant: "7", wantStatus: fiber.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{
			name:       "DelayRangeInverted",
			body:       fmt.Sprintf(`{"name":"x","template_uuid":"%s","audience_uuid":"%s","rate_per_hour":60,"min_delay_minutes":5,"max_delay_minutes":2}`, uuid.NewString(), uuid.NewString()),
			tenant:     "7",
			wantStatus: fiber.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{name: "NoTenant", body: validCampaignBody(), wantStatus: fiber.StatusUnauthorized, wantCode: "MISSING_TENANT"},
		{name: "TemplateMissing", body: validCampaignBody(), tenant: "7", flowErr: businessflow.ErrTemplateNotFound, wantStatus: fiber.StatusNotFound, wantCode: "NOT_FOUND"},
		{
			name:       "CodedValidation",
			body:       validCampaignBody(),
			tenant:     "7",
			flowErr:    businessflow.NewBusinessError("AUDIENCE_EMPTY", "Audience is empty", businessflow.ErrAudienceEmpty),
			wantStatus: fiber.StatusBadRequest,
			wantCode:   "AUDIENCE_EMPTY",
		},
		{name: "UnknownTenant", body: validCampaignBody(), tenant: "7", flowErr: tenancy.ErrUnknownTenant, wantStatus: fiber.StatusForbidden, wantCode: "TENANT_UNAVAILABLE"},
		{name: "Unexpected", body: validCampaignBody(), tenant: "7", flowErr: errors.New("boom"), wantStatus: fiber.StatusInternalServerError, wantCode: "CAMPAIGN_CREATION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &stubCampaignFlow{err: tt.flowErr}
			h := NewCampaignHandler(flow, zap.NewNop())
			app := fiber.New()
			app.Post("/campaigns", withTestTenant, h.CreateCampaign)

			req := httptest.NewRequest(http.MethodPost, "/campaigns", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.tenant != "" {
				req.Header.Set(testTenantHeader, tt.tenant)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			out := decode(t, resp)
			if tt.wantCode != "" {
				assert.False(t, out.Success)
				assert.Equal(t, tt.wantCode, errorCode(t, out))
				return
			}
			assert.True(t, out.Success)
			require.NotNil(t, flow.lastReq)
			assert.Equal(t, uint(7), flow.lastReq.TenantID)
		})
	}
}

func TestStartCampaignMapsErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		flowErr    error
		wantStatus int
	}{
		{name: "Started", path: "/campaigns/" + uuid.NewString() + "/start", wantStatus: fiber.StatusOK},
		{name: "BadUUID", path: "/campaigns/not-a-uuid/start", wantStatus: fiber.StatusBadRequest},
		{name: "NotDraft", path: "/campaigns/" + uuid.NewString() + "/start", flowErr: businessflow.ErrInvalidTransition, wantStatus: fiber.StatusConflict},
		{name: "NoSender", path: "/campaigns/" + uuid.NewString() + "/start", flowErr: businessflow.ErrNoConnectedSender, wantStatus: fiber.StatusBadRequest},
		{
			name:       "ProviderThrottled",
			path:       "/campaigns/" + uuid.NewString() + "/start",
			flowErr:    fmt.Errorf("start: %w", &services.ProviderError{Kind: services.ProviderErrRateLimited, Status: 429}),
			wantStatus: fiber.StatusTooManyRequests,
		},
		{
			name:       "ProviderDown",
			path:       "/campaigns/" + uuid.NewString() + "/start",
			flowErr:    &services.ProviderError{Kind: services.ProviderErrTransient, Status: 503},
			wantStatus: fiber.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &stubCampaignFlow{err: tt.flowErr}
			h := NewCampaignHandler(flow, zap.NewNop())
			app := fiber.New()
			app.Post("/campaigns/:uuid/start", withTestTenant, h.StartCampaign)

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.Header.Set(testTenantHeader, "3")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestWebhookReceive(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		flowErr    error
		result     *businessflow.WebhookResult
		wantStatus int
	}{
		{name: "Accepted", method: http.MethodPost, wantStatus: fiber.StatusOK},
		{
			name:       "AcceptedDespiteProcessingError",
			method:     http.MethodPost,
			result:     &businessflow.WebhookResult{TenantID: 1, ProcessError: errors.New("target gone")},
			wantStatus: fiber.StatusOK,
		},
		{name: "WrongMethod", method: http.MethodGet, wantStatus: fiber.StatusMethodNotAllowed},
		{name: "Malformed", method: http.MethodPost, flowErr: businessflow.ErrMalformedWebhook, wantStatus: fiber.StatusBadRequest},
		{name: "BadSecret", method: http.MethodPost, flowErr: businessflow.ErrWebhookUnauthorized, wantStatus: fiber.StatusUnauthorized},
		{name: "StoreDown", method: http.MethodPost, flowErr: errors.New("connection refused"), wantStatus: fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &stubInboundFlow{err: tt.flowErr, result: tt.result}
			h := NewWebhookHandler(flow, "", zap.NewNop())
			app := fiber.New()
			app.All("/hooks", h.Receive)

			body := `{"event":"messages.upsert","instance":"t1_main"}`
			req := httptest.NewRequest(tt.method, "/hooks", strings.NewReader(body))
			req.Header.Set("X-Webhook-Secret", "s3cret")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.method != http.MethodPost {
				assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
				assert.Empty(t, flow.lastBody)
				return
			}
			assert.Equal(t, "s3cret", flow.lastSecret)
			assert.Equal(t, body, flow.lastBody)

			out := decode(t, resp)
			assert.Nil(t, out.Data)
			assert.NotContains(t, out.Message, "connection refused")
		})
	}
}

func TestHealth(t *testing.T) {
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("unreachable") }

	t.Run("Healthy", func(t *testing.T) {
		app := fiber.New()
		app.Get("/health", NewHealthHandler("dispatcher", map[string]HealthCheck{"control_db": up}).Health)

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.True(t, decode(t, resp).Success)
	})

	t.Run("Degraded", func(t *testing.T) {
		app := fiber.New()
		app.Get("/health", NewHealthHandler("dispatcher", map[string]HealthCheck{"control_db": up, "redis": down}).Health)

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

		out := decode(t, resp)
		data := out.Data.(map[string]any)
		components := data["components"].(map[string]any)
		assert.Equal(t, "down", components["redis"])
		assert.Equal(t, "up", components["control_db"])
	})
}
