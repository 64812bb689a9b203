// Package http provides an HTTP client for the rollout feature flag service.
package http

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

	rollout "github.com/matt-riley/rollout/clients/go"
)

const maxErrorBody = 64 << 10

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the rollout server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements rollout.FlagManager and rollout.Evaluator over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ rollout.FlagManager = (*Client)(nil)
	_ rollout.Evaluator   = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the rollout service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("rollout: HTTP %d: %s: %s", e.StatusCode, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("rollout: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type evaluateRequest struct {
	Flag    string                    `json:"flag,omitempty"`
	Flags   []string                  `json:"flags,omitempty"`
	Context rollout.EvaluationContext `json:"context"`
}

type evaluateResponse struct {
	Results map[string]rollout.Result `json:"results"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rollout: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("rollout: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rollout: http: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return decodeAPIError(resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rollout: decode response: %w", err)
	}
	return nil
}

// decodeAPIError reads the server's {"error": ..., "details": [...]} body,
// falling back to the raw text for non-JSON responses.
func decodeAPIError(statusCode int, body []byte) *APIError {
	var payload struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: statusCode, Message: payload.Error, Details: payload.Details}
	}
	return &APIError{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
}

func flagPath(name string) string {
	return "/v1/flags/" + url.PathEscape(name)
}

// -- FlagManager -------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag rollout.Flag) (rollout.Flag, error) {
	var out rollout.Flag
	if err := c.do(ctx, http.MethodPost, "/v1/flags", flag, &out); err != nil {
		return rollout.Flag{}, err
	}
	return out, nil
}

func (c *Client) GetFlag(ctx context.Context, name string) (rollout.Flag, error) {
	var out rollout.Flag
	if err := c.do(ctx, http.MethodGet, flagPath(name), nil, &out); err != nil {
		return rollout.Flag{}, err
	}
	return out, nil
}

func (c *Client) ListFlags(ctx context.Context) ([]rollout.Flag, error) {
	flags := make([]rollout.Flag, 0)
	if err := c.do(ctx, http.MethodGet, "/v1/flags", nil, &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

func (c *Client) UpdateFlag(ctx context.Context, flag rollout.Flag) (rollout.Flag, error) {
	var out rollout.Flag
	if err := c.do(ctx, http.MethodPut, flagPath(flag.Name), flag, &out); err != nil {
		return rollout.Flag{}, err
	}
	return out, nil
}

func (c *Client) DeleteFlag(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, flagPath(name), nil, nil)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, name string, evalCtx rollout.EvaluationContext) (rollout.Result, error) {
	var out evaluateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", evaluateRequest{Flag: name, Context: evalCtx}, &out); err != nil {
		return rollout.Result{}, err
	}

	result, ok := out.Results[name]
	if !ok {
		return rollout.Result{}, fmt.Errorf("rollout: response has no result for %q", name)
	}
	return result, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, names []string, evalCtx rollout.EvaluationContext) (map[string]rollout.Result, error) {
	var out evaluateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", evaluateRequest{Flags: names, Context: evalCtx}, &out); err != nil {
		return nil, err
	}
	if out.Results == nil {
		out.Results = map[string]rollout.Result{}
	}
	return out.Results, nil
}
