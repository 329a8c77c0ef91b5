package task

import (
	"encoding/json"
	stdErrors "errors"

	xerrors "starknet-agent-kit/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task 描述了排队执行的后台任务。Kind 决定由哪个 Executor 处理。
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	AgentID    string          `json:"agent_id,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	// CreatedAt 与 UpdatedAt 为毫秒时间戳。
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// DecodePayload 将 Payload 解码到 dst。
func (t *Task) DecodePayload(dst any) error {
	raw, err := json.Marshal(t.Payload)
	if err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "编码任务 payload 失败")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "解析任务 payload 失败")
	}
	return nil
}

// Done 判断任务是否已到达终态。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

func (t *Task) clearFailure() {
	t.LastError = ""
	t.ErrorCode = ""
}

// SubmitRequest 描述一次任务提交。ID 非空时提交是幂等的。
type SubmitRequest struct {
	ID         string         `json:"id,omitempty"`
	Kind       string         `json:"kind"`
	AgentID    string         `json:"agent_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound    xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict    xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted   xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted   xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation  xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish     xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing  xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate  xerrors.Code = "TASK_COMPENSATION_FAILED"
	CodeTaskUnknownKind xerrors.Code = "TASK_UNKNOWN_KIND"
	// CodeTaskInterrupted 表示执行因进程关停被打断，任务已退回 pending 等待重新投递。
	CodeTaskInterrupted xerrors.Code = "TASK_INTERRUPTED"
	// CodeTaskLeaseExpired 表示执行者在租约内没有续期，通常是进程崩溃。
	CodeTaskLeaseExpired xerrors.Code = "TASK_LEASE_EXPIRED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:    "task already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCompensate, xerrors.Attributes{
		Message:  "task compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskInterrupted, xerrors.Attributes{
		Message:   "task interrupted by shutdown",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeTaskLeaseExpired, xerrors.Attributes{
		Message:  "task lease expired",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskUnknownKind, xerrors.Attributes{
		Message:    "no executor registered for task kind",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: 400,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return target == CodeTaskNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrTaskCompleted) {
		return target == CodeTaskCompleted
	}
	if stdErrors.Is(err, ErrTaskExhausted) {
		return target == CodeTaskExhausted
	}
	return false
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		clone.Result = append(json.RawMessage(nil), task.Result...)
	}
	clone.Payload = clonePayload(task.Payload)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
