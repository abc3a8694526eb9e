// Package fleetsync is the client core of the vending fleet operations
// dashboard: an offline action queue with background replay, a TTL read
// cache for motor analytics, and a reconnecting realtime event bridge.
//
// Example:
//
//	client := fleetsync.NewClient("http://10.0.0.5:5000/api")
//
//	store, _ := fleetsync.OpenSQLiteQueueStore("queue.db")
//	sched := fleetsync.NewScheduler(nil)
//	queue := fleetsync.NewActionQueue(store, sched)
//	syncer := fleetsync.NewSynchronizer(queue, client)
//	sched.SetDrainer(syncer)
//
//	queue.Enqueue(ctx, fleetsync.ActionInput{URL: "/motors/3/refill", Data: body})
//	report, _ := syncer.Drain(ctx)
package fleetsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	apiKey     string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for the fleet API rooted at baseURL
// (e.g. "http://host:5000/api"). An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "fleetsync-go",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying HTTP client, shared with the SSE transport.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// ResolveURL turns a queued action target into an absolute URL. Absolute
// targets pass through; relative ones are joined to the API root.
func (c *Client) ResolveURL(target string) string {
	if u, err := url.Parse(target); err == nil && u.IsAbs() {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return c.baseURL + target
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.ResolveURL(target), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// send performs a raw request and returns the status and body without
// interpreting either. Used by the synchronizer, which owns success rules.
func (c *Client) send(ctx context.Context, method, target string, body []byte, header http.Header) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		path += "?" + params.Encode()
	}

	var payload []byte
	header := http.Header{}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
		header.Set("Content-Type", "application/json")
	}
	header.Set("Accept", "application/json")

	status, data, err := c.send(ctx, method, path, payload, header)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, newAPIError(status, data)
	}
	return data, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if len(body) > 0 && json.Unmarshal(body, apiErr) != nil {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Motor API Methods
// ============================================================================

func (c *Client) Motors(ctx context.Context) ([]Motor, error) {
	data, err := c.doRequest(ctx, "GET", "/motors", nil, nil)
	if err != nil {
		return nil, err
	}
	motors, err := decodeJSON[[]Motor](data)
	if err != nil {
		return nil, err
	}
	return *motors, nil
}

func (c *Client) MotorAnalytics(ctx context.Context, motorID int) (*MotorAnalytics, error) {
	data, err := c.doRequest(ctx, "GET", "/motors/"+strconv.Itoa(motorID)+"/analytics", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MotorAnalytics](data)
}

func (c *Client) AllMotorStatus(ctx context.Context) (*AllMotorStatus, error) {
	data, err := c.doRequest(ctx, "GET", "/motors/analytics/status", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AllMotorStatus](data)
}

// RefreshAnalytics asks the backend to recompute analytics. The backend
// answers 202 and recomputes asynchronously.
func (c *Client) RefreshAnalytics(ctx context.Context) (*RefreshResult, error) {
	data, err := c.doRequest(ctx, "POST", "/analytics/refresh", map[string]any{}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RefreshResult](data)
}

// ============================================================================
// Download / Health API Methods
// ============================================================================

// StartDownload starts an event download on the machine. A job already in
// progress yields an *APIError with status 409; see IsConflict.
func (c *Client) StartDownload(ctx context.Context) (*DownloadStartResult, error) {
	data, err := c.doRequest(ctx, "POST", "/download-events", map[string]any{}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DownloadStartResult](data)
}

func (c *Client) DownloadStatus(ctx context.Context) (*DownloadStatus, error) {
	data, err := c.doRequest(ctx, "GET", "/download-status", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DownloadStatus](data)
}

func (c *Client) DownloadInfo(ctx context.Context) (*DownloadInfo, error) {
	data, err := c.doRequest(ctx, "GET", "/download-info", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DownloadInfo](data)
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	data, err := c.doRequest(ctx, "GET", "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthStatus](data)
}
