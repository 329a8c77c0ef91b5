package sqlstore

import (
	"encoding/json"
	"time"
)

// AgentConfigSQL 是 agent_configs 表的一行，Config 保存原始 JsonConfig。
type AgentConfigSQL struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConversationSQL 是 conversations 表的一行。
type ConversationSQL struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageSQL 是 messages 表的一行。ToolCalls 为 JSON 数组。
type MessageSQL struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ToolCalls      json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	Name           string          `json:"name,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
