package task

import (
	"context"
	"encoding/json"

	xerrors "starknet-agent-kit/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将待处理任务置为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error
	// MarkFailed 记录失败原因；terminal 为 false 时任务回到 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// Touch 刷新运行中任务的 UpdatedAt，作为执行租约的心跳。
	Touch(ctx context.Context, id string) error
	// Release 把运行中的任务退回 pending 并撤销本次尝试，用于关停时被打断的执行。
	Release(ctx context.Context, id string) error
	// Reclaim 处理 UpdatedAt 早于 cutoff（毫秒）的任务：
	// 运行中且仍有重试次数的回到 pending，次数耗尽的记为终态失败，
	// 停留在 pending 的原样保留。返回需要重新投递的任务 ID，并刷新它们的 UpdatedAt。
	Reclaim(ctx context.Context, cutoff int64) ([]string, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

func failureStatus(terminal bool) Status {
	if terminal {
		return StatusFailed
	}
	return StatusPending
}

const leaseExpiredMessage = "执行租约过期，执行者可能已崩溃"
