package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage/sqlstore"
)

const tasksTable = "tasks"

var taskColumns = []string{
	"id", "kind", "agent_id", "payload", "status", "attempts", "max_retries",
	"last_error", "error_code", "result", "created_at", "updated_at",
}

// SQLStore 使用 sqlstore 连接记录任务状态，支持 MySQL / PostgreSQL / SQLite。
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore 基于已迁移的连接创建任务存储。连接由调用方负责关闭。
func NewSQLStore(db *sqlstore.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接未初始化")
	}
	return &SQLStore{db: db}, nil
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	payload, err := marshalPayload(task.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}

	now := time.Now().UnixMilli()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	query, args := s.db.Builder().Insert(tasksTable).
		Set("id", task.ID).
		Set("kind", task.Kind).
		Set("agent_id", task.AgentID).
		Set("payload", payload).
		Set("status", string(task.Status)).
		Set("attempts", task.Attempts).
		Set("max_retries", task.MaxRetries).
		Set("last_error", "").
		Set("error_code", "").
		Set("created_at", task.CreatedAt).
		Set("updated_at", task.UpdatedAt).
		Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	query, args := s.db.Builder().Select(tasksTable, taskColumns...).Where("id = ?", id).Build()
	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	query, args := s.db.Builder().Update(tasksTable).
		SetExpr("attempts", "attempts + 1").
		Set("status", string(StatusRunning)).
		Set("updated_at", time.Now().UnixMilli()).
		Set("last_error", "").
		Set("error_code", "").
		Where("id = ?", id).
		Where("status = ?", string(StatusPending)).
		Where("attempts < max_retries").
		Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch {
		case task.Status == StatusSucceeded:
			return task, ErrTaskCompleted
		case task.Status == StatusPending && task.Attempts >= task.MaxRetries:
			return task, ErrTaskExhausted
		default:
			return task, ErrTaskConflict
		}
	}
	return task, nil
}

// MarkSucceeded 将任务标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	var value any
	if len(result) > 0 {
		value = string(result)
	}
	query, args := s.db.Builder().Update(tasksTable).
		Set("status", string(StatusSucceeded)).
		Set("result", value).
		Set("last_error", "").
		Set("error_code", "").
		Set("updated_at", time.Now().UnixMilli()).
		Where("id = ?", id).
		Build()
	return s.execOne(ctx, query, args, "标记任务成功失败")
}

// MarkFailed 记录失败；非终态失败时任务回到 pending。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	query, args := s.db.Builder().Update(tasksTable).
		Set("status", string(failureStatus(terminal))).
		Set("last_error", lastError).
		Set("error_code", string(code)).
		Set("updated_at", time.Now().UnixMilli()).
		Where("id = ?", id).
		Build()
	return s.execOne(ctx, query, args, "标记任务失败失败")
}

// Touch 只刷新运行中的任务，其他状态静默忽略。
func (s *SQLStore) Touch(ctx context.Context, id string) error {
	query, args := s.db.Builder().Update(tasksTable).
		Set("updated_at", time.Now().UnixMilli()).
		Where("id = ?", id).
		Where("status = ?", string(StatusRunning)).
		Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新任务租约失败")
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, id string) error {
	query, args := s.db.Builder().Update(tasksTable).
		Set("status", string(StatusPending)).
		SetExpr("attempts", "attempts - 1").
		Set("updated_at", time.Now().UnixMilli()).
		Where("id = ?", id).
		Where("status = ?", string(StatusRunning)).
		Where("attempts > 0").
		Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "退回任务失败")
	}
	return nil
}

// Reclaim 逐行使用条件更新，多个进程同时回收时每个任务只会被一方拿到。
func (s *SQLStore) Reclaim(ctx context.Context, cutoff int64) ([]string, error) {
	now := time.Now().UnixMilli()
	query, args := s.db.Builder().Update(tasksTable).
		Set("status", string(StatusFailed)).
		Set("error_code", string(CodeTaskLeaseExpired)).
		Set("last_error", leaseExpiredMessage).
		Set("updated_at", now).
		Where("status = ?", string(StatusRunning)).
		Where("updated_at < ?", cutoff).
		Where("attempts >= max_retries").
		Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "终结过期任务失败")
	}

	stale := []any{string(StatusRunning), string(StatusPending)}
	query, args = s.db.Builder().Select(tasksTable, "id").
		WhereIn("status", stale...).
		Where("updated_at < ?", cutoff).
		OrderBy("id ASC").
		Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期任务失败")
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期任务失败")
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期任务失败")
	}

	var ids []string
	for _, id := range candidates {
		query, args := s.db.Builder().Update(tasksTable).
			Set("status", string(StatusPending)).
			Set("updated_at", now).
			Where("id = ?", id).
			WhereIn("status", stale...).
			Where("updated_at < ?", cutoff).
			Build()
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return ids, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收过期任务失败")
		}
		if n, _ := res.RowsAffected(); n == 1 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *SQLStore) execOne(ctx context.Context, query string, args []any, msg string) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	b := s.db.Builder().Select(tasksTable, taskColumns...)
	applyFilters(b, opts)
	if opts.Order == SortByUpdatedAsc {
		b.OrderBy("updated_at ASC", "created_at ASC", "id ASC")
	} else {
		b.OrderBy("updated_at DESC", "created_at DESC", "id DESC")
	}
	query, args := b.Limit(opts.Limit).Offset(opts.Offset).Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()

	b := s.db.Builder().Select(tasksTable,
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)",
		"COALESCE(MIN(updated_at), 0)",
		"COALESCE(MAX(updated_at), 0)",
	)
	applyFilters(b, opts)
	query, args := b.Build()

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 不关闭共享连接，连接由创建方统一释放。
func (s *SQLStore) Close() error {
	return nil
}

func applyFilters(b *sqlstore.QueryBuilder, opts ListOptions) {
	if len(opts.Statuses) > 0 {
		values := make([]any, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			values = append(values, string(status))
		}
		b.WhereIn("status", values...)
	}
	if len(opts.Kinds) > 0 {
		values := make([]any, 0, len(opts.Kinds))
		for _, kind := range opts.Kinds {
			values = append(values, kind)
		}
		b.WhereIn("kind", values...)
	}
	if opts.AgentID != "" {
		b.Where("agent_id = ?", opts.AgentID)
	}
	if opts.Updated.From > 0 {
		b.Where("updated_at >= ?", opts.Updated.From)
	}
	if opts.Updated.To > 0 {
		b.Where("updated_at <= ?", opts.Updated.To)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			b.Where("result IS NOT NULL")
		} else {
			b.Where("result IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + strings.ToLower(opts.Query) + "%"
		b.Where("(LOWER(id) LIKE ? OR LOWER(kind) LIKE ? OR LOWER(agent_id) LIKE ? OR LOWER(COALESCE(payload, '')) LIKE ? OR LOWER(COALESCE(last_error, '')) LIKE ? OR LOWER(COALESCE(result, '')) LIKE ?)",
			pattern, pattern, pattern, pattern, pattern, pattern)
	}
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(s taskScanner) (*Task, error) {
	var (
		task      Task
		status    string
		payload   sql.NullString
		lastError sql.NullString
		result    sql.NullString
	)
	if err := s.Scan(
		&task.ID,
		&task.Kind,
		&task.AgentID,
		&payload,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	if payload.Valid && strings.TrimSpace(payload.String) != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, err
		}
	}
	if result.Valid && result.String != "" {
		task.Result = json.RawMessage(result.String)
	}
	return &task, nil
}

func marshalPayload(payload map[string]any) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

var _ Store = (*SQLStore)(nil)
