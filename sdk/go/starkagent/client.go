// Package starkagent is a Go client for the Starknet Agent Kit REST API.
package starkagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the agent gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	apiKey      string
	accessToken string
}

// ToolDefinition describes a registered tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Plugin      string          `json:"plugin,omitempty"`
	Kind        string          `json:"kind"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the uniform outcome of a tool invocation. A failed tool is
// reported here, not as an error.
type ToolResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// OK reports whether the tool succeeded.
func (r ToolResult) OK() bool { return r.Status == "success" }

// InvokeRequest carries tool arguments and the execution environment.
type InvokeRequest struct {
	Arguments any    `json:"arguments,omitempty"`
	Account   string `json:"account,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// AgentRequest is a single user request sent to an agent.
type AgentRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Input          string `json:"input"`
	Account        string `json:"account,omitempty"`
}

// ToolInvocation records one tool call made by the agent.
type ToolInvocation struct {
	CallID    string     `json:"call_id"`
	Name      string     `json:"name"`
	Arguments string     `json:"arguments"`
	Result    ToolResult `json:"result"`
}

// AgentResult is the final answer of an agent run.
type AgentResult struct {
	AgentID        string           `json:"agent_id"`
	ConversationID string           `json:"conversation_id"`
	Output         string           `json:"output"`
	Iterations     int              `json:"iterations"`
	ToolCalls      []ToolInvocation `json:"tool_calls,omitempty"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	Kind       string         `json:"kind"`
	AgentID    string         `json:"agent_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// Task is the server view of a background job. Timestamps are unix millis.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	AgentID    string          `json:"agent_id,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Terminal reports whether the task will not change any more.
func (t Task) Terminal() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// Upload describes an accepted knowledge file.
type Upload struct {
	FileID   string `json:"file_id"`
	AgentID  string `json:"agent_id"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
	TaskID   string `json:"task_id"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("starkagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("starkagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the gateway. When httpClient is nil, a
// default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sends key in the X-API-Key header on every call.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// SetAccessToken sends token as a bearer credential on every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// ListTools returns the registered tools, optionally restricted to one plugin.
func (c *Client) ListTools(ctx context.Context, plugin string) ([]ToolDefinition, error) {
	endpoint := "/api/v1/tools"
	if plugin != "" {
		endpoint += "?plugin=" + url.QueryEscape(plugin)
	}
	var out struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// InvokeTool calls a single tool directly.
func (c *Client) InvokeTool(ctx context.Context, name string, req InvokeRequest) (ToolResult, error) {
	var res ToolResult
	if err := c.post(ctx, "/api/v1/tools/"+url.PathEscape(name), req, &res); err != nil {
		return ToolResult{}, err
	}
	return res, nil
}

// Execute runs an agent synchronously and returns its answer.
func (c *Client) Execute(ctx context.Context, agentID string, req AgentRequest) (AgentResult, error) {
	var res AgentResult
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/request", req, &res); err != nil {
		return AgentResult{}, err
	}
	return res, nil
}

// ExecuteAsync queues an agent run and returns the created task.
func (c *Client) ExecuteAsync(ctx context.Context, agentID string, req AgentRequest) (Task, error) {
	var t Task
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/request?async=true", req, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// SubmitTask creates a new background task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var t Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// WaitTask polls a task until it reaches a terminal status or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UploadFile streams content to an agent's knowledge base.
func (c *Client) UploadFile(ctx context.Context, agentID, filename string, content io.Reader) (Upload, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/files", pr)
	if err != nil {
		_ = pr.Close()
		return Upload{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out Upload
	if err := c.do(req, &out); err != nil {
		return Upload{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, ref.Path)
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	apiKey, token := c.apiKey, c.accessToken
	c.mu.RUnlock()
	switch {
	case apiKey != "":
		req.Header.Set("X-API-Key", apiKey)
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
