// This file implements the HTTP client used by the jobs commands to talk to
// a running postalscan server.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/anstrom/postalscan/internal/api/handlers"
	"github.com/anstrom/postalscan/internal/config"
)

const (
	clientTimeout  = 30 * time.Second
	maxErrorBody   = 64 << 10
	clientUserName = "postalscan-cli"
)

// APIClient calls the postalscan REST API.
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, msg)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, msg)
}

// NewAPIClient creates a client for server, which is a base URL such as
// http://127.0.0.1:8080. An empty server is derived from the api section of
// cfg.
func NewAPIClient(cfg *config.Config, server, apiKey string) (*APIClient, error) {
	if server == "" {
		scheme := "http"
		if cfg.API.TLS.Enabled {
			scheme = "https"
		}
		server = fmt.Sprintf("%s://%s", scheme, cfg.GetAPIAddress())
	}
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}

	return &APIClient{
		baseURL: strings.TrimRight(u.String(), "/") + "/api/v1",
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: clientUserName + "/" + version,
	}, nil
}

// getAPIKeyFromSources reads the key from POSTALSCAN_API_KEY or from the file
// named by POSTALSCAN_API_KEY_FILE.
func getAPIKeyFromSources(v *viper.Viper) string {
	if key := v.GetString("api_key"); key != "" {
		return key
	}
	if keyFile := v.GetString("api_key_file"); keyFile != "" {
		data, err := os.ReadFile(keyFile) //nolint:gosec // operator-supplied key file
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// Get decodes the JSON response of a GET request into out.
func (c *APIClient) Get(ctx context.Context, endpoint string, out interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

// Post sends payload as JSON and decodes the response into out.
func (c *APIClient) Post(ctx context.Context, endpoint string, payload, out interface{}) error {
	return c.do(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body handlers.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if body.RequestID != "" {
			apiErr.RequestID = body.RequestID
		}
	} else if text := strings.TrimSpace(string(data)); text != "" {
		apiErr.Message = text
	}
	return apiErr
}

// describeAPIError adds a hint for the status codes an operator can act on.
func describeAPIError(err error, operation string) error {
	apiErr, ok := err.(*APIError)
	if !ok {
		return fmt.Errorf("%s failed: %w", operation, err)
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: authentication failed, set POSTALSCAN_API_KEY: %w", operation, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: rate limit exceeded, try again shortly: %w", operation, err)
	default:
		return fmt.Errorf("%s failed: %w", operation, err)
	}
}
