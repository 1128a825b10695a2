// Package card integrates the card issuer's REST API.
//
// A session maps to one payment intent at the issuer. The intent id is kept
// in the session data under "id"; the rest of the intent object is stored
// as returned.
package card

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/jcmexdev/payment-orchestrator/internal/pkg/interceptors"
)

// Config configures the issuer client.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *slog.Logger
}

// APIError is a non-2xx answer from the issuer.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("card: issuer returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("card: issuer returned HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// client is a thin JSON wrapper around a retryable HTTP client.
type client struct {
	http    *retryablehttp.Client
	baseURL string
	apiKey  string
}

func newClient(cfg Config) *client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		c.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		c.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c.Logger = logger.With("component", "card-client")
	// Surface the issuer's error body instead of retryablehttp's generic
	// "giving up" error once retries are exhausted.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &client{
		http:    c,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// do sends body as JSON and decodes the answer into out. POST requests carry
// an idempotency key, reused by retries of the same call.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("card: encode %s %s: %w", method, path, err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("card: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", idempotencyKey(ctx, path))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("card: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("card: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("card: decode %s %s: %w", method, path, err)
	}
	return nil
}

// idempotencyKey scopes the caller's key to path, so the calls one operation
// makes (create, then cancel from a failure hook) never share a key. Without
// a caller key every call gets a fresh one.
func idempotencyKey(ctx context.Context, path string) string {
	key := interceptors.IdempotencyKey(ctx)
	if key == "" {
		return uuid.NewString()
	}
	return key + ":" + path
}
