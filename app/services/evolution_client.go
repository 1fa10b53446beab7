package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/metrics"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"go.uber.org/zap"
)

// ProviderErrorKind classifies provider failures for retry decisions
type ProviderErrorKind string

const (
	ProviderErrTransient   ProviderErrorKind = "transient"
	ProviderErrRateLimited ProviderErrorKind = "rate_limited"
	ProviderErrPermanent   ProviderErrorKind = "permanent"
	ProviderErrAuth        ProviderErrorKind = "auth"
)

// ProviderError is the error half of every provider result
type ProviderError struct {
	Kind   ProviderErrorKind
	Status int
	Detail string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Detail)
}

// Retryable reports whether a later attempt may succeed
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderErrTransient || e.Kind == ProviderErrRateLimited
}

// AsProviderError extracts a *ProviderError from err
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func classifyStatus(status int, detail string) *ProviderError {
	switch {
	case status == http.StatusTooManyRequests:
		return &ProviderError{Kind: ProviderErrRateLimited, Status: status, Detail: detail}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ProviderError{Kind: ProviderErrAuth, Status: status, Detail: detail}
	case status >= 500:
		return &ProviderError{Kind: ProviderErrTransient, Status: status, Detail: detail}
	default:
		return &ProviderError{Kind: ProviderErrPermanent, Status: status, Detail: detail}
	}
}

// CreateInstanceRequest registers a sender on the provider
type CreateInstanceRequest struct {
	Name           string
	WebhookURL     string
	WebhookHeaders map[string]string
}

type CreateInstanceResult struct {
	InstanceID   string
	InstanceName string
	Status       string
}

type ConnectResult struct {
	QRCode      string
	PairingCode string
}

type SendResult struct {
	MessageID string
	Status    string
}

type NumberStatus struct {
	Number string `json:"number"`
	Exists bool   `json:"exists"`
	JID    string `json:"jid,omitempty"`
}

// EvolutionClient is a thin typed client of the Evolution-style provider API
type EvolutionClient interface {
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error)
	Connect(ctx context.Context, name string) (*ConnectResult, error)
	ConnectionState(ctx context.Context, name string) (string, error)
	SendText(ctx context.Context, name, number, text string) (*SendResult, error)
	SendMedia(ctx context.Context, name, number, mediaURL, caption string) (*SendResult, error)
	WhatsAppNumbers(ctx context.Context, name string, numbers []string) ([]NumberStatus, error)
	DeleteInstance(ctx context.Context, name string) error
	RestartInstance(ctx context.Context, name string) error
}

type httpEvolutionClient struct {
	cfg    config.ProviderConfig
	client *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewEvolutionClient creates a provider client
func NewEvolutionClient(cfg config.ProviderConfig, logger *zap.Logger) EvolutionClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpEvolutionClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("evolution"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *httpEvolutionClient) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	webhook := map[string]any{
		"url":    req.WebhookURL,
		"events": []string{"MESSAGES_UPSERT", "MESSAGE_UPDATE", "CONNECTION_UPDATE", "QRCODE_UPDATED"},
	}
	if len(req.WebhookHeaders) > 0 {
		webhook["headers"] = req.WebhookHeaders
	}
	payload := map[string]any{
		"instanceName": req.Name,
		"integration":  "WHATSAPP-BAILEYS",
		"qrcode":       true,
		"webhook":      webhook,
	}

	var out struct {
		Instance struct {
			InstanceID   string `json:"instanceId"`
			InstanceName string `json:"instanceName"`
			Status       string `json:"status"`
		} `json:"instance"`
	}
	// creation is not idempotent on the provider side
	if err := c.call(ctx, "create_instance", http.MethodPost, "/instance/create", payload, &out, false); err != nil {
		return nil, err
	}
	if out.Instance.InstanceID == "" {
		return nil, &ProviderError{Kind: ProviderErrPermanent, Detail: "provider returned no instance id"}
	}
	return &CreateInstanceResult{
		InstanceID:   out.Instance.InstanceID,
		InstanceName: out.Instance.InstanceName,
		Status:       out.Instance.Status,
	}, nil
}

func (c *httpEvolutionClient) Connect(ctx context.Context, name string) (*ConnectResult, error) {
	var out struct {
		QRCode      json.RawMessage `json:"qrcode"`
		Base64      string          `json:"base64"`
		Code        string          `json:"code"`
		PairingCode string          `json:"pairingCode"`
	}
	if err := c.call(ctx, "connect", http.MethodGet, "/instance/connect/"+url.PathEscape(name), nil, &out, true); err != nil {
		return nil, err
	}

	res := &ConnectResult{PairingCode: out.PairingCode}
	if len(out.QRCode) > 0 {
		var s string
		if err := json.Unmarshal(out.QRCode, &s); err == nil {
			res.QRCode = s
		} else {
			var obj struct {
				Base64 string `json:"base64"`
				Code   string `json:"code"`
			}
			if err := json.Unmarshal(out.QRCode, &obj); err == nil {
				res.QRCode = firstNonEmpty(obj.Base64, obj.Code)
			}
		}
	}
	if res.QRCode == "" {
		res.QRCode = firstNonEmpty(out.Base64, out.Code)
	}
	return res, nil
}

func (c *httpEvolutionClient) ConnectionState(ctx context.Context, name string) (string, error) {
	var out struct {
		State    string `json:"state"`
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.call(ctx, "connection_state", http.MethodGet, "/instance/connectionState/"+url.PathEscape(name), nil, &out, true); err != nil {
		return "", err
	}
	return firstNonEmpty(out.State, out.Instance.State), nil
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// SendText makes exactly one provider call; retries belong to the dispatch layer
func (c *httpEvolutionClient) SendText(ctx context.Context, name, number, text string) (*SendResult, error) {
	if strings.TrimSpace(number) == "" {
		return nil, &ProviderError{Kind: ProviderErrPermanent, Detail: "malformed number"}
	}
	payload := map[string]any{"number": number, "text": text}

	var out sendResponse
	if err := c.call(ctx, "send_text", http.MethodPost, "/message/sendText/"+url.PathEscape(name), payload, &out, false); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: out.Key.ID, Status: out.Status}, nil
}

func (c *httpEvolutionClient) SendMedia(ctx context.Context, name, number, mediaURL, caption string) (*SendResult, error) {
	if strings.TrimSpace(number) == "" {
		return nil, &ProviderError{Kind: ProviderErrPermanent, Detail: "malformed number"}
	}
	payload := map[string]any{
		"number": number,
		"mediaMessage": map[string]any{
			"mediaUrl": mediaURL,
			"caption":  caption,
		},
	}

	var out sendResponse
	if err := c.call(ctx, "send_media", http.MethodPost, "/message/sendMedia/"+url.PathEscape(name), payload, &out, false); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: out.Key.ID, Status: out.Status}, nil
}

func (c *httpEvolutionClient) WhatsAppNumbers(ctx context.Context, name string, numbers []string) ([]NumberStatus, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	var out []NumberStatus
	payload := map[string]any{"numbers": numbers}
	if err := c.call(ctx, "whatsapp_numbers", http.MethodPost, "/chat/whatsappNumbers/"+url.PathEscape(name), payload, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpEvolutionClient) DeleteInstance(ctx context.Context, name string) error {
	return c.call(ctx, "delete_instance", http.MethodDelete, "/instance/delete/"+url.PathEscape(name), nil, nil, true)
}

func (c *httpEvolutionClient) RestartInstance(ctx context.Context, name string) error {
	return c.call(ctx, "restart_instance", http.MethodPut, "/instance/restart/"+url.PathEscape(name), nil, nil, true)
}

// call performs one operation; with retry set, transient failures are retried
// MaxRetries times with exponential backoff from RetryBaseDelay
func (c *httpEvolutionClient) call(ctx context.Context, op, method, path string, payload, out any, retry bool) error {
	attempts := 1
	if retry {
		attempts += c.cfg.MaxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.cfg.RetryBaseDelay << (i - 1)
			c.logger.Debug("retrying provider call",
				zap.String("operation", op), zap.Int("attempt", i+1), zap.Duration("delay", delay), zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		start := time.Now()
		err := c.do(ctx, method, path, payload, out)
		metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ProviderRequests.WithLabelValues(op, "ok").Inc()
			return nil
		}

		lastErr = err
		pe, _ := AsProviderError(err)
		metrics.ProviderRequests.WithLabelValues(op, string(pe.Kind)).Inc()
		if pe.Kind != ProviderErrTransient || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

// do always returns either nil or a *ProviderError
func (c *httpEvolutionClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return &ProviderError{Kind: ProviderErrPermanent, Detail: fmt.Sprintf("encode request: %v", err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return &ProviderError{Kind: ProviderErrPermanent, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// timeouts, refused connections and canceled contexts all land here
		return &ProviderError{Kind: ProviderErrTransient, Detail: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Kind: ProviderErrTransient, Status: resp.StatusCode, Detail: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, errorDetail(raw))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{Kind: ProviderErrPermanent, Status: resp.StatusCode, Detail: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// errorDetail pulls a human readable reason out of a provider error body
func errorDetail(raw []byte) string {
	var body struct {
		Message  any `json:"message"`
		Error    any `json:"error"`
		Response struct {
			Message any `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, v := range []any{body.Response.Message, body.Message, body.Error} {
			if s := flatten(v); s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := flatten(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
