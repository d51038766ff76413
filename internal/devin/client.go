// Package devin is a thin client for the Devin REST API.
package devin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/devin-relay/internal/logging"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.devin.ai/v1"

// maxLoggedBody caps request/response bodies in logs.
const maxLoggedBody = 2048

var apiLog = logging.ForComponent(logging.CompDevin)

// Config configures a Client.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client calls the Devin API. It never retries; callers decide.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client. Zero config values fall back to defaults.
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, http: hc, limiter: limiter}
}

// CreateSession starts a new remote session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var out CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", nil, req, &out, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a user message into a running session.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	return c.doJSON(ctx, http.MethodPost, path, nil, sendMessageRequest{Message: text}, nil, http.StatusOK, http.StatusNoContent)
}

// GetSession fetches the current details of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions lists the organization's sessions.
func (c *Client) ListSessions(ctx context.Context, opts ListSessionsOptions) (*ListSessionsResponse, error) {
	q := url.Values{}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(opts.Offset))
	for _, tag := range opts.Tags {
		q.Add("tags", tag)
	}
	var out ListSessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sessions", q, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSessionTags replaces a session's tags.
func (c *Client) UpdateSessionTags(ctx context.Context, sessionID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	path := "/session/" + url.PathEscape(sessionID) + "/tags"
	return c.doJSON(ctx, http.MethodPut, path, nil, updateTagsRequest{Tags: tags}, nil, http.StatusOK)
}

// ListSecrets returns secret metadata for the organization.
func (c *Client) ListSecrets(ctx context.Context) (*ListSecretsResponse, error) {
	var out ListSecretsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/secrets", nil, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSecret removes a secret. Only 204 counts as success.
func (c *Client) DeleteSecret(ctx context.Context, secretID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/secrets/"+url.PathEscape(secretID), nil, nil, nil, http.StatusNoContent)
}

// ListAuditLogs returns audit records, newest first.
func (c *Client) ListAuditLogs(ctx context.Context, opts AuditLogOptions) (*ListAuditLogsResponse, error) {
	q := url.Values{}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q.Set("limit", strconv.Itoa(limit))
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	var out ListAuditLogsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/audit-logs", q, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEnterpriseConsumption reports usage between two dates (YYYY-MM-DD).
func (c *Client) GetEnterpriseConsumption(ctx context.Context, start, end string) (Consumption, error) {
	q := url.Values{}
	q.Set("start_date", start)
	q.Set("end_date", end)
	var out Consumption
	if err := c.doJSON(ctx, http.MethodGet, "/enterprise/consumption", q, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// UploadAttachment uploads a local file and returns the URL Devin can read it from.
func (c *Client) UploadAttachment(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("devin: open attachment: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("devin: build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("devin: read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("devin: build form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/attachments", nil, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.send(req, "/attachments", "file="+path, http.StatusOK, http.StatusCreated)
	if err != nil {
		return "", err
	}
	// The API answers with a bare JSON string; tolerate plain text too.
	var u string
	if json.Unmarshal(body, &u) == nil {
		return u, nil
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in, out any, ok ...int) error {
	var (
		body    io.Reader
		payload string
	)
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("devin: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
		payload = string(data)
	}

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	respBody, err := c.send(req, path, payload, ok...)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("devin: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("devin: build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// send performs req, logs both sides under one request ID and maps
// failures onto APIError / NetworkError.
func (c *Client) send(req *http.Request, path, payload string, ok ...int) ([]byte, error) {
	method := req.Method
	reqID := uuid.NewString()
	log := apiLog.With(slog.String("request_id", reqID), slog.String("method", method), slog.String("path", path))

	attrs := []any{}
	if payload != "" {
		attrs = append(attrs, slog.String("payload", truncate(payload, maxLoggedBody)))
	}
	log.Info("api_request", attrs...)

	if err := c.limiter.Wait(req.Context()); err != nil {
		log.Warn("api_request_failed", slog.String("error", err.Error()))
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Error("api_request_failed",
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("api_response_read_failed", slog.Int("status", resp.StatusCode), slog.String("error", err.Error()))
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}

	respAttrs := []any{
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if len(body) > 0 {
		respAttrs = append(respAttrs, slog.String("body", truncate(string(body), maxLoggedBody)))
	}

	for _, code := range ok {
		if resp.StatusCode == code {
			log.Info("api_response", respAttrs...)
			return body, nil
		}
	}
	log.Error("api_response_error", respAttrs...)
	return nil, newAPIError(method, path, resp.StatusCode, body)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
