package task

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	xerrors "starknet-agent-kit/internal/errors"
)

// Executor 执行某一类任务，返回值以 JSON 写入 Task.Result。
// 返回可重试的 *errors.Error 时，任务会在 MaxRetries 内重新排队。
type Executor interface {
	Execute(ctx context.Context, task *Task) (any, error)
}

type ExecutorFunc func(ctx context.Context, task *Task) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (any, error) {
	return f(ctx, task)
}

// RecoveryHandler 只在不可重试的失败上调用。返回非 nil 结果时任务以降级结果成功，
// 返回 nil 则照常记为失败。
type RecoveryHandler interface {
	Recover(ctx context.Context, task *Task, cause error) (any, error)
}

type RecoveryFunc func(ctx context.Context, task *Task, cause error) (any, error)

func (f RecoveryFunc) Recover(ctx context.Context, task *Task, cause error) (any, error) {
	return f(ctx, task, cause)
}

// Register 为任务类型注册执行器，同一类型只能注册一次。
func (p *Processor) Register(kind string, executor Executor) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || executor == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务类型与执行器不能为空")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.executors[kind]; dup {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("任务类型 %s 已注册执行器", kind))
	}
	p.executors[kind] = executor
	return nil
}

// Kinds 按字典序返回已注册的任务类型。
func (p *Processor) Kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.executors))
}

func (p *Processor) lookup(kind string) (Executor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if exec, ok := p.executors[kind]; ok {
		return exec, nil
	}
	return nil, xerrors.New(CodeTaskUnknownKind, fmt.Sprintf("任务类型 %s 没有注册执行器", kind))
}
