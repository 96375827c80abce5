// Package gateway provides a stateless HTTP client for the runtime process
// hosting conversation sessions. One method per runtime capability; errors
// are surfaced raw (GatewayError with upstream status and body) and mapped
// to domain errors by the orchestrator.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/tracing"
)

// Client communicates with the runtime process over HTTP. It holds no
// per-conversation state and is safe to share across all conversations.
type Client struct {
	baseURL          string
	sessionKeyHeader string
	httpClient       *http.Client
	logger           *logger.Logger
}

// NewClient creates a runtime gateway client.
func NewClient(cfg config.RuntimeConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		sessionKeyHeader: cfg.SessionKeyHeader,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "runtime-gateway")),
	}
}

// BaseURL returns the configured runtime base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Initialize asks the runtime to create a new conversation session. This is
// the only operation addressed to the base URL; everything else is resolved
// against the conversation URL it returns.
func (c *Client) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResult, error) {
	var result InitializeResult
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/conversations", "", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Start starts the conversation's runtime session.
func (c *Client) Start(ctx context.Context, t Target) (*ActionResult, error) {
	var result ActionResult
	if err := c.doJSON(ctx, http.MethodPost, t.URL+"/start", t.SessionAPIKey, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stop stops the conversation's runtime session.
func (c *Client) Stop(ctx context.Context, t Target) (*ActionResult, error) {
	var result ActionResult
	if err := c.doJSON(ctx, http.MethodPost, t.URL+"/stop", t.SessionAPIKey, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PostMessage sends a user message into the conversation.
func (c *Client) PostMessage(ctx context.Context, t Target, content string, metadata map[string]interface{}) error {
	payload := struct {
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}{Content: content, Metadata: metadata}
	return c.doJSON(ctx, http.MethodPost, t.URL+"/messages", t.SessionAPIKey, payload, nil)
}

// PostEvent appends a raw event to the conversation journal.
func (c *Client) PostEvent(ctx context.Context, t Target, payload map[string]interface{}) error {
	return c.doJSON(ctx, http.MethodPost, t.URL+"/events", t.SessionAPIKey, payload, nil)
}

// GetEvents fetches one page of journal events starting at cursor. The
// runtime returns at most 100 events per page.
func (c *Client) GetEvents(ctx context.Context, t Target, cursor int64, reverse bool, limit int) (*EventsPage, error) {
	q := url.Values{}
	q.Set("start_id", strconv.FormatInt(cursor, 10))
	q.Set("limit", strconv.Itoa(limit))
	if reverse {
		q.Set("reverse", "true")
	}

	var page EventsPage
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/events?"+q.Encode(), t.SessionAPIKey, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetConfig fetches the runtime-reported session configuration.
func (c *Client) GetConfig(ctx context.Context, t Target) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/config", t.SessionAPIKey, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetVSCodeURL fetches the workspace VS Code URL.
func (c *Client) GetVSCodeURL(ctx context.Context, t Target) (string, error) {
	var result struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/vscode-url", t.SessionAPIKey, nil, &result); err != nil {
		return "", err
	}
	return result.URL, nil
}

// GetWebHosts fetches the name-to-URL map of exposed workspace hosts.
func (c *Client) GetWebHosts(ctx context.Context, t Target) (map[string]string, error) {
	var result struct {
		Hosts map[string]string `json:"hosts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/web-hosts", t.SessionAPIKey, nil, &result); err != nil {
		return nil, err
	}
	return result.Hosts, nil
}

// GetMicroagents fetches the microagents loaded into the session.
func (c *Client) GetMicroagents(ctx context.Context, t Target) ([]*MicroagentInfo, error) {
	var result struct {
		Microagents []*MicroagentInfo `json:"microagents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/microagents", t.SessionAPIKey, nil, &result); err != nil {
		return nil, err
	}
	return result.Microagents, nil
}

// doJSON performs a request with an optional JSON body, checks the response
// status, and decodes the response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, rawURL, sessionKey string, body, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setSessionKey(req, sessionKey)

	respBody, status, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response (status %d, body: %s): %w", status, truncateBody(respBody), err)
		}
	}
	return nil
}

// do executes a prepared request, returning the body for 2xx responses and
// a GatewayError for anything else.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	ctx, span := tracing.TraceGatewayRequest(req.Context(), req.Method, req.URL.Path, "")
	defer span.End()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.TraceGatewayResponse(span, 0, err)
		return nil, 0, fmt.Errorf("runtime request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		tracing.TraceGatewayResponse(span, resp.StatusCode, err)
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	tracing.TraceGatewayResponse(span, resp.StatusCode, nil)
	c.logger.Debug("runtime request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &GatewayError{
			StatusCode: resp.StatusCode,
			Body:       truncateBody(respBody),
		}
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) setSessionKey(req *http.Request, sessionKey string) {
	if sessionKey != "" {
		req.Header.Set(c.sessionKeyHeader, sessionKey)
	}
}

// readResponseBody reads and returns the response body
func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody truncates body for error messages to avoid huge logs
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
