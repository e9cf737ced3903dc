// Package hubspot implements core.Client over the HubSpot CRM v3 object and
// v4 association APIs.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

// Default connection settings.
const (
	DefaultBaseURL = "https://api.hubapi.com"
	DefaultTimeout = 30 * time.Second
)

func init() {
	crm.Register("hubspot", func(cfg core.ClientConfig, logger *slog.Logger) (core.Client, error) {
		return New(cfg, logger)
	})
}

// Client talks to one HubSpot portal.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ core.Client = (*Client)(nil)

// New creates a client. cfg.Token is required.
func New(cfg core.ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("hubspot: access token not configured")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("portal", baseURL)),
	}, nil
}

// doRequest sends one request and decodes a JSON response into out.
// Non-2xx responses are mapped onto the crm error taxonomy.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hubspot: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("hubspot: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &crm.UnavailableError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &crm.UnavailableError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug("hubspot request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromResponse(resp, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("hubspot: failed to parse response: %w", err)
	}
	return nil
}

var existingIDPattern = regexp.MustCompile(`Existing ID:\s*(\d+)`)

func errorFromResponse(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	var apiErr errorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		message = apiErr.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &crm.RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Message:    message,
		}
	case resp.StatusCode == http.StatusConflict:
		dup := &crm.DuplicateError{Message: message}
		if m := existingIDPattern.FindStringSubmatch(message); m != nil {
			dup.ExistingID = m[1]
		}
		return dup
	case resp.StatusCode >= 500:
		return &crm.ServerError{StatusCode: resp.StatusCode, Message: message}
	default:
		return &crm.ClientError{StatusCode: resp.StatusCode, Message: message}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
