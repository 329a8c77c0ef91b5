package agent

import (
	"context"
	"encoding/json"
	"time"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/tool"
)

// EventType 标识流式事件的种类。
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventAnswer     EventType = "answer"
	EventError      EventType = "error"
)

// Event 是执行过程中推送给调用方的一帧。
type Event struct {
	Type           EventType       `json:"type"`
	AgentID        string          `json:"agent_id"`
	ConversationID string          `json:"conversation_id"`
	Iteration      int             `json:"iteration,omitempty"`
	Content        string          `json:"content,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	CallID         string          `json:"call_id,omitempty"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Result         *tool.Result    `json:"result,omitempty"`
	Code           xerrors.Code    `json:"code,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// EventSink 接收事件。返回错误会终止本次执行，例如连接已断开。
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc 让普通函数实现 EventSink。
type SinkFunc func(ctx context.Context, event Event) error

// Emit 实现 EventSink。
func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// argumentsJSON 在参数是合法 JSON 时原样保留，否则编码为字符串。
func argumentsJSON(raw string) json.RawMessage {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	encoded, _ := json.Marshal(raw)
	return encoded
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
