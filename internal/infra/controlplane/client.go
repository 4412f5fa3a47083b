// Package controlplane implements the REST client the core uses to talk to
// the upstream business-logic API: account restoration, status lookups,
// and the QR/status batch and webhook POST endpoints.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gatewayerr"
	"whatsapp-gateway/pkg/logger"
)

// Client wraps the control-plane base URL and a pooled keep-alive HTTP
// transport sized to bound outbound concurrency (§5 backpressure note).
type Client struct {
	baseURL string
	http    *http.Client

	retries      int
	backoffBase  time.Duration
	backoffJitter time.Duration
}

// Options configures the client's retry policy and transport pool sizing.
type Options struct {
	BaseURL             string
	RequestTimeout      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	Retries             int
	BackoffBase         time.Duration
	BackoffJitter       time.Duration
}

// New builds a control-plane client.
func New(opts Options) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: opts.BaseURL,
		http: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
		retries:       opts.Retries,
		backoffBase:   opts.BackoffBase,
		backoffJitter: opts.BackoffJitter,
	}
}

// ActiveAccounts fetches the tenant accounts the control plane considers
// active, used for boot-time session restoration.
func (c *Client) ActiveAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	var out []domain.AccountSummary
	err := c.getJSON(ctx, "/whatsapp/accounts/active", &out)
	return out, err
}

// WebhookTokenForSession resolves the webhook token bound to a session.
func (c *Client) WebhookTokenForSession(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		WebhookToken string `json:"webhook_token"`
	}
	path := fmt.Sprintf("/whatsapp/account/%s", sessionID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return "", err
	}
	return resp.WebhookToken, nil
}

// StatusForToken returns the control plane's view of a session's status,
// the origin layer consulted after the local and shared caches miss.
func (c *Client) StatusForToken(ctx context.Context, webhookToken string) (domain.ReportedStatus, error) {
	var resp struct {
		EstadoQr domain.ReportedStatus `json:"estado_qr"`
	}
	path := fmt.Sprintf("/whatsapp/status/token/%s", webhookToken)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return "", err
	}
	return resp.EstadoQr, nil
}

// QrBatchItem is one entry in a /qr/batch POST body.
type QrBatchItem struct {
	SessionID string `json:"session_id"`
	QR        string `json:"qr"`
}

// QrBatchResult is the response shape for /qr/batch.
type QrBatchResult struct {
	Success bool `json:"success"`
	Updated int  `json:"updated"`
	Failed  int  `json:"failed"`
}

// PostQrBatch flushes the coalesced QR batch.
func (c *Client) PostQrBatch(ctx context.Context, items []QrBatchItem) (QrBatchResult, error) {
	var result QrBatchResult
	body := map[string]any{"qrs": items}
	err := c.postJSON(ctx, "/qr/batch", body, &result)
	return result, err
}

// StatusBatchItem is one entry in a /whatsapp/status/batch POST body.
type StatusBatchItem struct {
	SessionID string `json:"session_id"`
	EstadoQr  string `json:"estado_qr"`
}

// PostStatusBatch flushes the coalesced status batch. High-priority items
// should be ordered first by the caller.
func (c *Client) PostStatusBatch(ctx context.Context, items []StatusBatchItem) error {
	body := map[string]any{"statuses": items}
	return c.postJSON(ctx, "/whatsapp/status/batch", body, nil)
}

// WebhookPayload is the multipart form the inbound pipeline POSTs to a
// tenant's webhook.
type WebhookPayload struct {
	From      string
	Text      string
	Type      string
	WamID     string
	Timestamp string
	PushName  string
	Audio     []byte
	AudioName string
}

// PostWebhook delivers one normalized inbound message to the tenant's
// webhook endpoint.
func (c *Client) PostWebhook(ctx context.Context, webhookToken string, payload WebhookPayload) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"from": payload.From, "text": payload.Text, "type": payload.Type,
		"wamId": payload.WamID, "timestamp": payload.Timestamp, "pushName": payload.PushName,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	if len(payload.Audio) > 0 {
		part, err := w.CreateFormFile("audio", payload.AudioName)
		if err != nil {
			return err
		}
		if _, err := part.Write(payload.Audio); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	path := fmt.Sprintf("/whatsapp-webhook/%s", webhookToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.doWithRetry(req)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doJSONWithRetry(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSONWithRetry(req, out)
}

// doJSONWithRetry executes req, retrying per the non-batched retry policy
// (§4.6): attempts retries with backoffBase*2^(n-1)+jitter, retriable only
// for 429, 5xx, or transport errors.
func (c *Client) doJSONWithRetry(req *http.Request, out any) error {
	resp, err := c.doRequestWithRetry(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return gatewayerr.New(gatewayerr.CodeControlPlaneError,
			fmt.Sprintf("control plane returned %d: %s", resp.StatusCode, string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doWithRetry(req *http.Request) error {
	resp, err := c.doRequestWithRetry(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return gatewayerr.New(gatewayerr.CodeControlPlaneError,
			fmt.Sprintf("control plane returned %d: %s", resp.StatusCode, string(b)))
	}
	return nil
}

func (c *Client) doRequestWithRetry(req *http.Request) (*http.Response, error) {
	var lastErr error
	bodyBytes := cloneBody(req)

	for attempt := 1; attempt <= c.retries+1; attempt++ {
		if attempt > 1 && bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		resp, err := c.http.Do(req)
		if err == nil && !retriable(resp.StatusCode) {
			return resp, nil
		}
		if err == nil && attempt <= c.retries {
			resp.Body.Close()
		}
		lastErr = err
		if attempt > c.retries {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}
		delay := c.backoffBase*time.Duration(1<<(attempt-1)) + jitter(c.backoffJitter)
		logger.Debug().Str("url", req.URL.String()).Int("attempt", attempt).Dur("delay", delay).Msg("retrying control-plane call")
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func cloneBody(req *http.Request) []byte {
	if req.Body == nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	return b
}

func retriable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
