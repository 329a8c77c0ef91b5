package task

import (
	"context"
	"log/slog"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/pkg/logger"
)

// Handler 处理来自消息队列的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// DepthReporter 由能够报告积压数量的队列实现，Service.Stats 会带上该值。
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

// CodeQueueUnavailable 表示队列已关闭或连接不可用。
const CodeQueueUnavailable xerrors.Code = "TASK_QUEUE_UNAVAILABLE"

func init() {
	xerrors.Register(CodeQueueUnavailable, xerrors.Attributes{
		Message:    "task queue unavailable",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 503,
	})
}

// shouldRequeue 决定处理失败的消息是否交回队列。
// 执行失败的重试由 Processor 自行重投，队列只兜底投递阶段的可重试错误。
func shouldRequeue(queue, taskID string, err error) bool {
	if err == nil {
		return false
	}
	requeue := xerrors.RetryableError(err)
	logger.Named("queue").Warn("任务处理返回错误",
		slog.String("queue", queue),
		slog.String("task_id", taskID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)
	return requeue
}
