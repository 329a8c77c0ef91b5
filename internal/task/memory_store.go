package task

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	xerrors "starknet-agent-kit/internal/errors"
)

// MemoryStore 把任务保存在进程内，适合单机部署与测试，重启后数据丢失。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	switch {
	case t == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	case t.ID == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return ErrTaskConflict
	}
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[id]; ok {
		return cloneTask(t), nil
	}
	return nil, ErrTaskNotFound
}

// Claim 把 pending 任务切换为 running 并累加尝试次数。
// 已成功的任务返回 ErrTaskCompleted，运行中或已终结的返回 ErrTaskConflict，次数用尽返回 ErrTaskExhausted。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	var claimErr error
	t, err := m.mutate(id, func(t *Task) bool {
		switch {
		case t.Status == StatusSucceeded:
			claimErr = ErrTaskCompleted
		case t.Status == StatusRunning || t.Status == StatusFailed:
			claimErr = ErrTaskConflict
		case t.Attempts >= t.MaxRetries:
			claimErr = ErrTaskExhausted
		default:
			t.Status = StatusRunning
			t.Attempts++
			t.clearFailure()
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return t, claimErr
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result json.RawMessage) error {
	_, err := m.mutate(id, func(t *Task) bool {
		t.Status = StatusSucceeded
		t.Result = slices.Clone(result)
		t.clearFailure()
		return true
	})
	return err
}

// MarkFailed 记录失败原因。terminal 为 false 时任务回到 pending 等待下一次投递。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.mutate(id, func(t *Task) bool {
		t.Status = failureStatus(terminal)
		t.LastError = lastError
		t.ErrorCode = string(code)
		return true
	})
	return err
}

func (m *MemoryStore) Touch(_ context.Context, id string) error {
	_, err := m.mutate(id, func(t *Task) bool { return t.Status == StatusRunning })
	return err
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	_, err := m.mutate(id, func(t *Task) bool {
		if t.Status != StatusRunning {
			return false
		}
		t.Status = StatusPending
		t.Attempts = max(t.Attempts-1, 0)
		return true
	})
	return err
}

func (m *MemoryStore) Reclaim(_ context.Context, cutoff int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	var ids []string
	for id, t := range m.tasks {
		if t.UpdatedAt >= cutoff {
			continue
		}
		switch {
		case t.Status == StatusPending:
		case t.Status == StatusRunning && t.Attempts < t.MaxRetries:
			t.Status = StatusPending
		case t.Status == StatusRunning:
			t.Status = StatusFailed
			t.ErrorCode = string(CodeTaskLeaseExpired)
			t.LastError = leaseExpiredMessage
			t.UpdatedAt = now
			continue
		default:
			continue
		}
		t.UpdatedAt = now
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	matched := m.collect(opts)
	slices.SortFunc(matched, opts.compare)
	return opts.page(matched), nil
}

// Stats 只统计过滤后的任务，忽略分页参数。QueueDepth 由 Service 补齐。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	var stats TaskStats
	for _, t := range m.collect(opts) {
		stats.observe(t)
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

// collect 返回满足过滤条件的任务副本。
func (m *MemoryStore) collect(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if opts.Match(t) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// mutate 在写锁内修改任务。fn 返回 true 时刷新 UpdatedAt。返回值为修改后的副本。
func (m *MemoryStore) mutate(id string, fn func(*Task) bool) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if fn(t) {
		t.UpdatedAt = time.Now().UnixMilli()
	}
	return cloneTask(t), nil
}

var _ Store = (*MemoryStore)(nil)
