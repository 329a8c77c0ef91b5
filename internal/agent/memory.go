package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/llm"
	"starknet-agent-kit/internal/storage/sqlstore"
)

// Memory 保存会话的短期记忆。
type Memory interface {
	// Load 返回会话最近 limit 条消息，按时间先后排列。会话不存在时返回空。
	Load(ctx context.Context, agentID, conversationID string, limit int) ([]llm.Message, error)
	// Append 追加消息，会话不存在时自动创建。
	Append(ctx context.Context, agentID, conversationID string, msgs ...llm.Message) error
}

// SQLMemory 基于 conversations 与 messages 表。
type SQLMemory struct {
	conversations *sqlstore.Conversations
	messages      *sqlstore.Messages
}

// NewSQLMemory 创建 SQL 记忆。
func NewSQLMemory(db *sqlstore.DB) *SQLMemory {
	return &SQLMemory{
		conversations: sqlstore.NewConversations(db),
		messages:      sqlstore.NewMessages(db),
	}
}

var _ Memory = (*SQLMemory)(nil)

// Load 实现 Memory。
func (m *SQLMemory) Load(ctx context.Context, agentID, conversationID string, limit int) ([]llm.Message, error) {
	conv, err := m.conversations.Get(ctx, conversationID)
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if conv.AgentID != agentID {
		return nil, conversationOwnedBy(conversationID, conv.AgentID)
	}
	rows, err := m.messages.ListRecent(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(rows))
	for _, row := range rows {
		msg := llm.Message{
			Role:       llm.Role(row.Role),
			Content:    row.Content,
			ToolCallID: row.ToolCallID,
			Name:       row.Name,
		}
		if len(row.ToolCalls) > 0 {
			if err := json.Unmarshal(row.ToolCalls, &msg.ToolCalls); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析历史工具调用失败")
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Append 实现 Memory。
func (m *SQLMemory) Append(ctx context.Context, agentID, conversationID string, msgs ...llm.Message) error {
	conv, err := m.conversations.Ensure(ctx, conversationID, agentID)
	if err != nil {
		return err
	}
	if conv.AgentID != agentID {
		return conversationOwnedBy(conversationID, conv.AgentID)
	}
	for _, msg := range msgs {
		row := sqlstore.MessageSQL{
			ConversationID: conversationID,
			Role:           string(msg.Role),
			Content:        msg.Content,
			ToolCallID:     msg.ToolCallID,
			Name:           msg.Name,
		}
		if len(msg.ToolCalls) > 0 {
			encoded, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码工具调用失败")
			}
			row.ToolCalls = encoded
		}
		if _, err := m.messages.Append(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// InMemory 把会话保存在进程内，用于测试与无数据库的单机运行。
type InMemory struct {
	mu    sync.RWMutex
	convs map[string]*memoryConversation
}

type memoryConversation struct {
	agentID  string
	messages []llm.Message
}

// NewInMemory 创建进程内记忆。
func NewInMemory() *InMemory {
	return &InMemory{convs: make(map[string]*memoryConversation)}
}

var _ Memory = (*InMemory)(nil)

// Load 实现 Memory。
func (m *InMemory) Load(_ context.Context, agentID, conversationID string, limit int) ([]llm.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[conversationID]
	if !ok {
		return nil, nil
	}
	if conv.agentID != agentID {
		return nil, conversationOwnedBy(conversationID, conv.agentID)
	}
	msgs := conv.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]llm.Message(nil), msgs...), nil
}

// Append 实现 Memory。
func (m *InMemory) Append(_ context.Context, agentID, conversationID string, msgs ...llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[conversationID]
	if !ok {
		conv = &memoryConversation{agentID: agentID}
		m.convs[conversationID] = conv
	}
	if conv.agentID != agentID {
		return conversationOwnedBy(conversationID, conv.agentID)
	}
	conv.messages = append(conv.messages, msgs...)
	return nil
}

func conversationOwnedBy(conversationID, owner string) error {
	return xerrors.New(xerrors.CodeForbidden, fmt.Sprintf("会话 %s 属于智能体 %s", conversationID, owner))
}

// trimHistory 去掉开头缺少对应 assistant 调用的 tool 消息。
func trimHistory(msgs []llm.Message) []llm.Message {
	for len(msgs) > 0 && msgs[0].Role == llm.RoleTool {
		msgs = msgs[1:]
	}
	return msgs
}
