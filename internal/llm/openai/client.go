package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容接口所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的 Chat Completions 与 Embeddings 接口。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Model 返回默认模型名称。
func (c *Client) Model() string { return c.model }

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string              `json:"type"`
	Function llm.ToolDefinition `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage llm.Usage `json:"usage"`
}

// Chat 调用 Chat Completions 接口，支持 function calling。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: c.temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWire(m))
	}
	for _, def := range req.Tools {
		if len(def.Parameters) == 0 {
			def.Parameters = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, wireTool{Type: "function", Function: def})
	}

	var decoded chatResponse
	if err := c.post(ctx, "/chat/completions", body, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeModelFailure, "OpenAI 响应中没有有效的 choices")
	}
	choice := decoded.Choices[0]
	msg := llm.Message{Role: llm.RoleAssistant}
	if choice.Message.Content != nil {
		msg.Content = strings.TrimSpace(*choice.Message.Content)
	}
	for _, call := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, xerrors.New(xerrors.CodeModelFailure, "OpenAI 响应内容为空")
	}
	return &llm.Response{Message: msg, FinishReason: choice.FinishReason, Usage: decoded.Usage}, nil
}

// Embed 调用 Embeddings 接口，返回与输入顺序一致的向量。
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var decoded struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", map[string]any{"model": model, "input": inputs}, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) != len(inputs) {
		return nil, xerrors.New(xerrors.CodeModelFailure, fmt.Sprintf("Embeddings 返回 %d 条向量，期望 %d 条", len(decoded.Data), len(inputs)))
	}
	out := make([][]float32, len(inputs))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, xerrors.New(xerrors.CodeModelFailure, "Embeddings 返回了越界的 index")
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeModelFailure, err, "序列化 OpenAI 请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeModelFailure, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return xerrors.FromContext(ctx.Err(), xerrors.CodeModelFailure, "请求 OpenAI 被取消")
		}
		var timeout interface{ Timeout() bool }
		if errors.As(err, &timeout) && timeout.Timeout() {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "请求 OpenAI 超时")
		}
		return xerrors.Wrap(xerrors.CodeModelFailure, err, "请求 OpenAI 失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return xerrors.New(xerrors.CodeModelFailure,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)),
		)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeModelFailure, err, "解析 OpenAI 响应失败")
	}
	return nil
}

func toWire(m llm.Message) wireMessage {
	out := wireMessage{Role: string(m.Role), ToolCallID: m.ToolCallID, Name: m.Name}
	content := m.Content
	// 只带工具调用的 assistant 消息按协议发送 null content。
	if content != "" || len(m.ToolCalls) == 0 {
		out.Content = &content
	}
	for _, call := range m.ToolCalls {
		args := call.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, wireToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: wireFunction{Name: call.Name, Arguments: args},
		})
	}
	return out
}
