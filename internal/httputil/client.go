// Package httputil provides the HTTP client stackctl uses to read a running
// application container's status API.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/socialsense/stack/internal/probe"
	"github.com/socialsense/stack/internal/retry"
)

// DefaultBaseURL is the application container's published address.
const DefaultBaseURL = "http://localhost:8000"

// StatusClient reads /status and /readyz, retrying transient failures.
type StatusClient struct {
	httpClient *http.Client
	baseURL    string
	retry      *retry.Handler
}

// StatusClientConfig configures the status client.
type StatusClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// Retry is optional; nil means a single attempt.
	Retry *retry.Handler
}

func NewStatusClient(cfg StatusClientConfig) *StatusClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &StatusClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		retry:      cfg.Retry,
	}
}

// Status fetches the latest dependency report.
func (c *StatusClient) Status(ctx context.Context) (probe.Report, error) {
	var report probe.Report
	err := c.do(ctx, "/status", func(resp *http.Response) error {
		return DecodeResponse(resp, &report)
	})
	return report, err
}

// Ready fetches /readyz. A 503 is not an error: the report explains it.
func (c *StatusClient) Ready(ctx context.Context) (probe.Report, error) {
	var report probe.Report
	err := c.do(ctx, "/readyz", func(resp *http.Response) error {
		if resp.StatusCode == http.StatusServiceUnavailable {
			defer resp.Body.Close()
			return json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&report)
		}
		return DecodeResponse(resp, &report)
	})
	return report, err
}

func (c *StatusClient) do(ctx context.Context, path string, handle func(*http.Response) error) error {
	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		return handle(resp)
	}
	if c.retry == nil {
		return call(ctx)
	}
	return c.retry.Do(ctx, "GET "+path, call)
}

// DecodeResponse decodes a JSON response into target. Status codes of 400
// and above become *retry.StatusError so the retry handler can classify
// them.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return &retry.StatusError{Code: resp.StatusCode, Err: errors.New(msg)}
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
