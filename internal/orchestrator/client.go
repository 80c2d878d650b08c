// Package orchestrator is the HTTP client for the remote agent orchestrator:
// iteration streams, session aborts and chat history pages.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ServerError is a failure reported by the orchestrator itself, either as a
// non-2xx iteration response or as an error event on the stream. It is fatal
// to the task submission and never retried.
type ServerError struct {
	StatusCode int // 0 for stream error events
	Detail     string
}

func (e *ServerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("orchestrator returned status %d: %s", e.StatusCode, e.Detail)
	}
	return "orchestrator error: " + e.Detail
}

// Message is a persisted chat message owned by the backend.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Client talks to the orchestrator API.
type Client struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new orchestrator client. The http client carries no
// overall timeout: iteration responses are long-lived streams and are bounded
// by the request context instead.
func NewClient(baseURL, token, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-API-Key", c.apiKey)
}

// OpenIteration sends one iteration request and returns the SSE body. The
// caller owns the returned reader and must close it. A non-2xx response is
// returned as a *ServerError carrying the response body text.
func (c *Client) OpenIteration(ctx context.Context, ir IterationRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(ir)
	if err != nil {
		return nil, fmt.Errorf("marshal iteration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/iterate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create iteration request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open iteration %d: %w", ir.Iteration, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &ServerError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}

	return resp.Body, nil
}

// Abort requests server-side cancellation of a session. Best effort: any
// failure is logged and swallowed, it never blocks local cleanup.
func (c *Client) Abort(ctx context.Context, sessionID string, shareToken *string) {
	payload := map[string]any{"sessionId": sessionID}
	if shareToken != nil {
		payload["shareToken"] = *shareToken
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/abort", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("abort request build failed", "session_id", sessionID, "error", err)
		return
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("abort notify failed", "session_id", sessionID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("abort rejected", "session_id", sessionID, "status", resp.StatusCode, "body", strings.TrimSpace(string(respBody)))
	}
}

// FetchMessages retrieves up to limit persisted messages for a project,
// optionally scoped to one session, oldest first.
func (c *Client) FetchMessages(ctx context.Context, projectID, sessionID string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("projectId", projectID)
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create messages request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(respBody))}
	}

	var msgs []Message
	if err := json.Unmarshal(respBody, &msgs); err != nil {
		return nil, fmt.Errorf("parse messages response: %w", err)
	}
	return msgs, nil
}

// Deployment is a provisioned application service row.
type Deployment struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	ServiceID      string     `json:"service_id"`
	URL            string     `json:"url"`
	LastDeployedAt *time.Time `json:"last_deployed_at,omitempty"`
}

// Database is a provisioned database row.
type Database struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Host      string `json:"host"`
	Version   string `json:"version"`
}

// FetchDeployments retrieves the deployment rows for a project.
func (c *Client) FetchDeployments(ctx context.Context, projectID string) ([]*Deployment, error) {
	var out []*Deployment
	if err := c.getJSON(ctx, "/deployments?projectId="+url.QueryEscape(projectID), &out); err != nil {
		return nil, fmt.Errorf("fetch deployments: %w", err)
	}
	return out, nil
}

// FetchDatabases retrieves the database rows for a project.
func (c *Client) FetchDatabases(ctx context.Context, projectID string) ([]*Database, error) {
	var out []*Database
	if err := c.getJSON(ctx, "/databases?projectId="+url.QueryEscape(projectID), &out); err != nil {
		return nil, fmt.Errorf("fetch databases: %w", err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ServerError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(respBody))}
	}
	return json.Unmarshal(respBody, out)
}
