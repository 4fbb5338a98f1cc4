// Package remote implements the HTTP boundary to the sync service. Each call
// is keyed by (kind, target) and carries the caller-supplied idempotency key
// so the service can deduplicate retried requests.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/loggy"
)

// Operation is a single write to apply against the remote service
type Operation struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Target    string          `json:"target"`
	RecordKey string          `json:"record_key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UploadRequest carries a locally generated file to the remote service
type UploadRequest struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	SampleID string `json:"sample_id"`
	ConfigID string `json:"config_id"`
	FilePath string `json:"file_path"`
	Data     []byte `json:"data"` // JSON-encoded as base64
}

// Response represents a success response from the remote service
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Client handles HTTP communication with the remote sync service
type Client struct {
	baseURL    string
	token      string
	deviceName string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *loggy.Logger
}

// NewClient creates a new HTTP client for the remote service
func NewClient(cfg config.RemoteConfig, deviceName string, logger *loggy.Logger) *Client {
	// Custom transport for connection pooling
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		deviceName: deviceName,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: newLimiter(cfg.RequestsPerMinute, cfg.BurstLimit),
		logger:  logger,
	}
}

// newLimiter builds a rate limiter from a requests-per-minute budget
func newLimiter(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// Apply executes a single mutation against the remote service. The operation
// ID is sent as the idempotency key, so retrying after a partial success does
// not duplicate the record.
func (c *Client) Apply(ctx context.Context, op Operation) error {
	var method, path string
	switch op.Kind {
	case "create":
		method, path = http.MethodPost, fmt.Sprintf("/api/records/%s", url.PathEscape(op.Target))
	case "update":
		method, path = http.MethodPatch, fmt.Sprintf("/api/records/%s/%s", url.PathEscape(op.Target), url.PathEscape(op.RecordKey))
	case "upsert":
		method, path = http.MethodPut, fmt.Sprintf("/api/records/%s/%s", url.PathEscape(op.Target), url.PathEscape(op.RecordKey))
	case "delete":
		method, path = http.MethodDelete, fmt.Sprintf("/api/records/%s/%s", url.PathEscape(op.Target), url.PathEscape(op.RecordKey))
	default:
		return APIError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("unknown operation kind %q", op.Kind), ErrorCode: "bad_kind"}
	}

	var body interface{}
	if op.Kind != "delete" {
		body = op.Payload
	}

	_, err := c.sendRequest(ctx, method, path, op.ID, body)
	return err
}

// Upload sends a locally generated file to the remote service
func (c *Client) Upload(ctx context.Context, req UploadRequest) error {
	_, err := c.sendRequest(ctx, http.MethodPost, "/api/uploads", req.ID, req)
	return err
}

// VerifyToken verifies that the configured token is valid
func (c *Client) VerifyToken(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/verify", nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	default:
		return false, decodeError(resp)
	}
}

// sendRequest is a helper to send requests to the remote service
func (c *Client) sendRequest(ctx context.Context, method, path, idempotencyKey string, body interface{}) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}

	var remoteResp Response
	if err := json.NewDecoder(resp.Body).Decode(&remoteResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &remoteResp, nil
}

func (c *Client) setHeaders(req *http.Request, idempotencyKey string) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Name", c.deviceName)
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}
}

// decodeError turns a non-2xx response into an APIError
func decodeError(resp *http.Response) error {
	var apiErr APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.StatusCode == 0 {
		return APIError{
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
			ErrorCode:  "unexpected_status",
		}
	}
	return apiErr
}
