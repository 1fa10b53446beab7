package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*httpEvolutionClient, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewEvolutionClient(config.ProviderConfig{
		BaseURL:        srv.URL,
		APIKey:         "global-key",
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
	}, zap.NewNop()).(*httpEvolutionClient)

	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestEvolutionClient_SendTextSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/message/sendText/sales-1", r.URL.Path)
		assert.Equal(t, "global-key", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "60111", body["number"])
		assert.Equal(t, "hi A", body["text"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"MSG-1","remoteJid":"60111@s.whatsapp.net","fromMe":true},"status":"PENDING"}`))
	})

	res, err := c.SendText(context.Background(), "sales-1", "60111", "hi A")
	require.NoError(t, err)
	assert.Equal(t, "MSG-1", res.MessageID)
	assert.Equal(t, "PENDING", res.Status)
}

func TestEvolutionClient_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   ProviderErrorKind
		detail string
	}{
		{http.StatusBadRequest, `{"status":400,"error":"Bad Request","response":{"message":["invalid number"]}}`, ProviderErrPermanent, "invalid number"},
		{http.StatusNotFound, `{"message":"instance not found"}`, ProviderErrPermanent, "instance not found"},
		{http.StatusTooManyRequests, `slow down`, ProviderErrRateLimited, "slow down"},
		{http.StatusUnauthorized, `{"error":"Unauthorized"}`, ProviderErrAuth, "Unauthorized"},
		{http.StatusForbidden, `{}`, ProviderErrAuth, ""},
		{http.StatusServiceUnavailable, `{"message":"try later"}`, ProviderErrTransient, "try later"},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := c.SendText(context.Background(), "s1", "60111", "x")
			require.Error(t, err)
			pe, ok := AsProviderError(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, pe.Kind)
			assert.Equal(t, tc.status, pe.Status)
			if tc.detail != "" {
				assert.Contains(t, pe.Detail, tc.detail)
			}
			// sends are never retried internally
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestEvolutionClient_IdempotentCallsRetryTransient(t *testing.T) {
	var calls atomic.Int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"s1","state":"open"}}`))
	})

	state, err := c.ConnectionState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "open", state)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestEvolutionClient_RetriesGiveUpAfterThree(t *testing.T) {
	var calls atomic.Int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.RestartInstance(context.Background(), "s1")
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ProviderErrTransient, pe.Kind)
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestEvolutionClient_PermanentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.WhatsAppNumbers(context.Background(), "s1", []string{"60111"})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestEvolutionClient_ConnectionErrorIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	c.cfg.BaseURL = "http://127.0.0.1:1"
	c.cfg.MaxRetries = 0

	_, err := c.SendText(context.Background(), "s1", "60111", "x")
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ProviderErrTransient, pe.Kind)
	assert.True(t, pe.Retryable())
}

func TestEvolutionClient_CreateAndConnect(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instance/create":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "s1", body["instanceName"])
			assert.Equal(t, "WHATSAPP-BAILEYS", body["integration"])
			webhook := body["webhook"].(map[string]any)
			assert.Equal(t, "https://dispatch.example.com/api/v1/webhooks/evolution", webhook["url"])
			assert.Equal(t, "secret", webhook["headers"].(map[string]any)["X-Webhook-Secret"])
			_, _ = w.Write([]byte(`{"instance":{"instanceName":"s1","instanceId":"inst-1","status":"created"}}`))
		case "/instance/connect/s1":
			_, _ = w.Write([]byte(`{"pairingCode":"ABCD","code":"2@xyz","base64":"data:image/png;base64,AAA"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	created, err := c.CreateInstance(context.Background(), CreateInstanceRequest{
		Name:           "s1",
		WebhookURL:     "https://dispatch.example.com/api/v1/webhooks/evolution",
		WebhookHeaders: map[string]string{"X-Webhook-Secret": "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", created.InstanceID)

	qr, err := c.Connect(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAA", qr.QRCode)
	assert.Equal(t, "ABCD", qr.PairingCode)
}
