// Package upstream is the HTTP client for the remote agent-execution service.
// Conversations are long-lived threads; each user turn opens a streamed run.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNoHandle means a successful creation response named no conversation.
	ErrNoHandle = errors.New("upstream response carried no conversation handle")
	// ErrStatus means the upstream answered with a non-success status.
	ErrStatus = errors.New("upstream returned non-success status")
	// ErrNoBody means a streaming response had nothing to read.
	ErrNoBody = errors.New("upstream stream response has no body")
)

// handleFields lists the accepted handle field names in priority order.
var handleFields = []string{"thread_id", "id", "uuid"}

// maxErrorBody bounds how much of an error response is quoted back.
const maxErrorBody = 512

// Config holds configuration for the upstream client.
type Config struct {
	BaseURL       string
	APIKey        string
	AssistantID   string
	CreateTimeout time.Duration
	RunTimeout    time.Duration
}

// DefaultConfig returns default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		AssistantID:   "agent",
		CreateTimeout: 30 * time.Second,
		RunTimeout:    5 * time.Minute,
	}
}

// Client talks to the agent service over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a new upstream client. A nil httpClient uses a client
// without an overall timeout; per-call deadlines come from cfg.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	def := DefaultConfig(cfg.BaseURL)
	if cfg.AssistantID == "" {
		cfg.AssistantID = def.AssistantID
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = def.CreateTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	cfg.BaseURL = def.BaseURL
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// CreateConversation asks the upstream for a new conversation handle.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, c.cfg.BaseURL+"/threads", map[string]any{})
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close create response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("create conversation: %w", statusError(resp))
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("create conversation: decode response: %w", err)
	}

	handle := pickHandle(body)
	if handle == "" {
		return "", fmt.Errorf("create conversation: %w", ErrNoHandle)
	}

	c.logger.Info("Upstream conversation created", "handle", handle)
	return handle, nil
}

// Run is an open streamed run. Close releases the response body and cancels
// the run's deadline; it is safe to call more than once.
type Run struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

// Read reads raw event-stream bytes.
func (r *Run) Read(p []byte) (int, error) {
	return r.body.Read(p)
}

// Close releases the run.
func (r *Run) Close() error {
	r.cancel()
	return r.body.Close()
}

// OpenRun starts a streamed run of prompt against the conversation handle.
// The returned *Run is bounded by the configured run timeout, which covers
// reading the body as well as opening it.
func (c *Client) OpenRun(ctx context.Context, handle, prompt string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)

	payload := runRequest{
		AssistantID: c.cfg.AssistantID,
		Input: runInput{
			Messages: []runMessage{{Role: "user", Content: prompt}},
		},
	}
	endpoint := c.cfg.BaseURL + "/threads/" + url.PathEscape(handle) + "/runs/stream"

	req, err := c.newRequest(ctx, endpoint, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open run: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(resp)
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open run: %w", err)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("open run: %w", ErrNoBody)
	}

	c.logger.Debug("Upstream run opened", "handle", handle, "status", resp.StatusCode)
	return &Run{body: resp.Body, cancel: cancel}, nil
}

type runRequest struct {
	AssistantID string   `json:"assistant_id"`
	Input       runInput `json:"input"`
}

type runInput struct {
	Messages []runMessage `json:"messages"`
}

type runMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) newRequest(ctx context.Context, endpoint string, body any) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

// pickHandle returns the first non-empty handle field present in body.
func pickHandle(body map[string]any) string {
	for _, field := range handleFields {
		switch v := body[field].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return fmt.Errorf("%w: %d %s: %s", ErrStatus, resp.StatusCode, http.StatusText(resp.StatusCode), msg)
}
