package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "starknet-agent-kit/internal/errors"
)

const agentConfigsTable = "agent_configs"

var agentConfigColumns = []string{"id", "name", "config", "created_at", "updated_at"}

// AgentConfigs 负责 agent_configs 表的读写。
type AgentConfigs struct {
	db *DB
}

// NewAgentConfigs 创建智能体配置仓库。
func NewAgentConfigs(db *DB) *AgentConfigs {
	return &AgentConfigs{db: db}
}

// Upsert 写入或覆盖一条配置，保留首次写入的 created_at。
func (r *AgentConfigs) Upsert(ctx context.Context, row AgentConfigSQL) (*AgentConfigSQL, error) {
	if strings.TrimSpace(row.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体配置 ID 不能为空")
	}
	if len(row.Config) == 0 {
		row.Config = []byte("{}")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMillis()
	query, args := r.db.Builder().Select(agentConfigsTable, "created_at").Where("id = ?", row.ID).Build()
	var createdAt int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&createdAt)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		createdAt = now
		query, args = r.db.Builder().Insert(agentConfigsTable).
			Set("id", row.ID).
			Set("name", row.Name).
			Set("config", string(row.Config)).
			Set("created_at", now).
			Set("updated_at", now).
			Build()
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体配置失败")
	default:
		query, args = r.db.Builder().Update(agentConfigsTable).
			Set("name", row.Name).
			Set("config", string(row.Config)).
			Set("updated_at", now).
			Where("id = ?", row.ID).
			Build()
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return nil, xerrors.Wrap(xerrors.CodeConflict, err, "智能体配置并发写入冲突")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体配置失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交智能体配置失败")
	}

	row.CreatedAt = fromMillis(createdAt)
	row.UpdatedAt = fromMillis(now)
	return &row, nil
}

// Get 按 ID 读取配置。
func (r *AgentConfigs) Get(ctx context.Context, id string) (*AgentConfigSQL, error) {
	query, args := r.db.Builder().Select(agentConfigsTable, agentConfigColumns...).Where("id = ?", id).Build()
	row, err := scanAgentConfig(r.db.QueryRowContext(ctx, query, args...))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体配置 %s 不存在", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取智能体配置失败")
	}
	return row, nil
}

// List 返回全部配置，按 ID 排序。
func (r *AgentConfigs) List(ctx context.Context) ([]AgentConfigSQL, error) {
	query, args := r.db.Builder().Select(agentConfigsTable, agentConfigColumns...).OrderBy("id ASC").Build()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体配置失败")
	}
	defer rows.Close()

	var out []AgentConfigSQL
	for rows.Next() {
		row, err := scanAgentConfig(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体配置失败")
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体配置失败")
	}
	return out, nil
}

// Delete 删除配置，不存在时返回 NotFound。
func (r *AgentConfigs) Delete(ctx context.Context, id string) error {
	query, args := r.db.Builder().Delete(agentConfigsTable).Where("id = ?", id).Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除智能体配置失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体配置 %s 不存在", id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentConfig(s rowScanner) (*AgentConfigSQL, error) {
	var (
		row                  AgentConfigSQL
		config               string
		createdAt, updatedAt int64
	)
	if err := s.Scan(&row.ID, &row.Name, &config, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	row.Config = []byte(config)
	row.CreatedAt = fromMillis(createdAt)
	row.UpdatedAt = fromMillis(updatedAt)
	return &row, nil
}
