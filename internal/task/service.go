package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/pkg/logger"
)

// 未指定时的默认值。
const (
	DefaultMaxRetries   = 3
	defaultPollInterval = 500 * time.Millisecond
)

// Service 是任务子系统的入口：写入存储后投递到队列，执行交给 Processor。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	log        *slog.Logger
}

// NewService 构造任务服务，maxRetries 为请求未指定时的重试上限。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries, log: logger.Named("task")}
}

func (s *Service) ready() error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return nil
}

// Submit 创建任务并投递。请求带 ID 时是幂等的：同一 ID 再次提交直接返回已有任务。
// 投递失败的任务会被标记为终态失败，不会残留在 pending。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务类型不能为空")
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := s.existing(ctx, id); existing != nil || err != nil {
		return existing, err
	}

	t := &Task{
		ID:         id,
		Kind:       kind,
		AgentID:    strings.TrimSpace(req.AgentID),
		Payload:    clonePayload(req.Payload),
		Status:     StatusPending,
		MaxRetries: cmpOr(req.MaxRetries, s.maxRetries),
	}
	if err := s.store.Create(ctx, t); err != nil {
		// 并发提交同一 ID 时，输掉竞争的一方返回赢家写入的任务。
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.existing(ctx, id); existing != nil || getErr != nil {
				return existing, getErr
			}
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		s.log.Error("任务入队失败", slog.String("task_id", id), slog.Any("error", wrapped))
		_ = s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", id),
		slog.String("kind", t.Kind),
		slog.String("agent_id", t.AgentID),
		slog.Int("max_retries", t.MaxRetries),
	)
	return t, nil
}

// existing 查找已有任务，不存在时两个返回值都为 nil。
func (s *Service) existing(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.Get(ctx, id)
	if stdErrors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return t, err
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 在存储统计之外附带队列积压，队列不支持或读取失败时 QueueDepth 为 -1。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	stats, err := s.store.Stats(ctx, buildListOptions(opts))
	if err != nil {
		return TaskStats{}, err
	}
	stats.QueueDepth = -1
	if reporter, ok := s.producer.(DepthReporter); ok {
		if depth, err := reporter.Depth(ctx); err == nil {
			stats.QueueDepth = depth
		} else {
			s.log.Warn("读取队列积压失败", slog.Any("error", err))
		}
	}
	return stats, nil
}

// Close 关闭存储与生产者，返回全部错误。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 每隔 interval 查询一次，直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	ticker := time.NewTicker(cmpOr(interval, defaultPollInterval))
	defer ticker.Stop()
	for {
		t, err := s.Get(ctx, id)
		switch {
		case err != nil:
			return nil, err
		case t.Done():
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.FromContext(ctx.Err(), xerrors.CodeTimeout, "等待任务完成超时")
		case <-ticker.C:
		}
	}
}

// cmpOr 返回 v，v 不为正数时返回 fallback。
func cmpOr[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}
