package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	xerrors "starknet-agent-kit/internal/errors"
)

const (
	conversationsTable = "conversations"
	messagesTable      = "messages"
)

var (
	conversationColumns = []string{"id", "agent_id", "title", "created_at", "updated_at"}
	messageColumns      = []string{"id", "conversation_id", "role", "content", "tool_calls", "tool_call_id", "name", "created_at"}
)

// Conversations 负责 conversations 表。
type Conversations struct {
	db *DB
}

// NewConversations 创建会话仓库。
func NewConversations(db *DB) *Conversations {
	return &Conversations{db: db}
}

// Create 新建会话，ID 为空时自动生成。
func (r *Conversations) Create(ctx context.Context, row ConversationSQL) (*ConversationSQL, error) {
	if strings.TrimSpace(row.AgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话缺少 agent_id")
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := nowMillis()
	query, args := r.db.Builder().Insert(conversationsTable).
		Set("id", row.ID).
		Set("agent_id", row.AgentID).
		Set("title", row.Title).
		Set("created_at", now).
		Set("updated_at", now).
		Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return nil, xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("会话 %s 已存在", row.ID))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话失败")
	}
	row.CreatedAt = fromMillis(now)
	row.UpdatedAt = row.CreatedAt
	return &row, nil
}

// Ensure 返回已有会话，不存在时以给定 ID 创建。
func (r *Conversations) Ensure(ctx context.Context, id, agentID string) (*ConversationSQL, error) {
	conv, err := r.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return nil, err
	}
	conv, err = r.Create(ctx, ConversationSQL{ID: id, AgentID: agentID})
	if xerrors.CodeOf(err) == xerrors.CodeConflict {
		return r.Get(ctx, id)
	}
	return conv, err
}

// Get 按 ID 读取会话。
func (r *Conversations) Get(ctx context.Context, id string) (*ConversationSQL, error) {
	query, args := r.db.Builder().Select(conversationsTable, conversationColumns...).Where("id = ?", id).Build()
	conv, err := scanConversation(r.db.QueryRowContext(ctx, query, args...))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return conv, nil
}

// ListByAgent 返回智能体的会话，最近活跃的在前。limit<=0 表示不限制。
func (r *Conversations) ListByAgent(ctx context.Context, agentID string, limit int) ([]ConversationSQL, error) {
	query, args := r.db.Builder().Select(conversationsTable, conversationColumns...).
		Where("agent_id = ?", agentID).
		OrderBy("updated_at DESC", "id ASC").
		Limit(limit).
		Build()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	defer rows.Close()

	var out []ConversationSQL
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return out, nil
}

// Touch 刷新会话的 updated_at。
func (r *Conversations) Touch(ctx context.Context, id string) error {
	query, args := r.db.Builder().Update(conversationsTable).Set("updated_at", nowMillis()).Where("id = ?", id).Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话时间失败")
	}
	return nil
}

// Delete 删除会话及其全部消息。
func (r *Conversations) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	query, args := r.db.Builder().Delete(messagesTable).Where("conversation_id = ?", id).Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话消息失败")
	}
	query, args = r.db.Builder().Delete(conversationsTable).Where("id = ?", id).Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id))
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交删除失败")
	}
	return nil
}

func scanConversation(s rowScanner) (*ConversationSQL, error) {
	var (
		conv                 ConversationSQL
		createdAt, updatedAt int64
	)
	if err := s.Scan(&conv.ID, &conv.AgentID, &conv.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

// Messages 负责 messages 表。消息顺序以自增 seq 为准。
type Messages struct {
	db *DB
}

// NewMessages 创建消息仓库。
func NewMessages(db *DB) *Messages {
	return &Messages{db: db}
}

// Append 追加一条消息并刷新所属会话的 updated_at。
func (r *Messages) Append(ctx context.Context, msg MessageSQL) (*MessageSQL, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息缺少 conversation_id")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := nowMillis()
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	query, args := r.db.Builder().Insert(messagesTable).
		Set("id", msg.ID).
		Set("conversation_id", msg.ConversationID).
		Set("role", msg.Role).
		Set("content", msg.Content).
		Set("tool_calls", toolCalls).
		Set("tool_call_id", msg.ToolCallID).
		Set("name", msg.Name).
		Set("created_at", now).
		Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return nil, xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("消息 %s 已存在", msg.ID))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
	}
	query, args = r.db.Builder().Update(conversationsTable).Set("updated_at", now).Where("id = ?", msg.ConversationID).Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话时间失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交消息失败")
	}
	msg.CreatedAt = fromMillis(now)
	return &msg, nil
}

// ListRecent 返回会话最近 n 条消息，按写入顺序排列。n<=0 返回全部。
func (r *Messages) ListRecent(ctx context.Context, conversationID string, n int) ([]MessageSQL, error) {
	b := r.db.Builder().Select(messagesTable, messageColumns...).Where("conversation_id = ?", conversationID)
	if n > 0 {
		b.OrderBy("seq DESC").Limit(n)
	} else {
		b.OrderBy("seq ASC")
	}
	query, args := b.Build()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	var out []MessageSQL
	for rows.Next() {
		var (
			msg       MessageSQL
			toolCalls sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.Name, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息失败")
		}
		if toolCalls.Valid && toolCalls.String != "" {
			msg.ToolCalls = []byte(toolCalls.String)
		}
		msg.CreatedAt = fromMillis(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	if n > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Count 返回会话的消息数量。
func (r *Messages) Count(ctx context.Context, conversationID string) (int, error) {
	query, args := r.db.Builder().Select(messagesTable, "COUNT(*)").Where("conversation_id = ?", conversationID).Build()
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计消息失败")
	}
	return n, nil
}
