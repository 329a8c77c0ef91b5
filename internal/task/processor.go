package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/observability/alerting"
	"starknet-agent-kit/internal/observability/metrics"
	"starknet-agent-kit/internal/observability/tracing"
	"starknet-agent-kit/pkg/logger"
)

// 告警事件的 stage 字段。
const (
	stageClaim        = "claim"
	stageRetry        = "retry"
	stageTerminal     = "terminal"
	stageNonRetryable = "non_retryable"
	stageCompensate   = "compensate"
	stageDegraded     = "degraded"
)

// Processor 消费队列中的任务 ID，领取任务后按 Kind 分派给 Executor。
// 重试由 Processor 负责：未终结的失败会回写为 pending 并重新投递。
type Processor struct {
	mu        sync.RWMutex
	executors map[string]Executor
	store     Store
	consumer  Consumer
	producer  Producer
	workers   int
	log       *slog.Logger
	recovery  RecoveryHandler
	alerter   alerting.Dispatcher
	// lease 为 0 时不续租也不回收，崩溃遗留的 running 任务需要人工处理。
	lease time.Duration
}

type ProcessorOption func(*Processor)

func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkerCount 设置并发消费的协程数，非正数忽略。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithLease 设置执行租约。执行期间每 lease/3 续租一次，
// 超过 lease 未续租的 running 任务视为执行者已崩溃，会被回收并重新投递。
func WithLease(lease time.Duration) ProcessorOption {
	return func(p *Processor) {
		if lease > 0 {
			p.lease = lease
		}
	}
}

// WithExecutor 在构造时注册执行器，重复的类型被忽略。
func WithExecutor(kind string, executor Executor) ProcessorOption {
	return func(p *Processor) { _ = p.Register(kind, executor) }
}

func NewProcessor(store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executors: make(map[string]Executor),
		store:     store,
		consumer:  consumer,
		producer:  producer,
		workers:   1,
		log:       logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	if p.lease > 0 && p.store != nil && p.producer != nil {
		reapCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.reap(reapCtx)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// reap 启动时立即回收一次，之后每半个租约周期回收一次。
func (p *Processor) reap(ctx context.Context) {
	ticker := time.NewTicker(max(p.lease/2, time.Millisecond))
	defer ticker.Stop()
	for {
		p.reclaim(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) reclaim(ctx context.Context) {
	ids, err := p.store.Reclaim(ctx, time.Now().Add(-p.lease).UnixMilli())
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("回收过期任务失败", slog.Any("error", err))
		}
		return
	}
	for _, id := range ids {
		if err := p.producer.Publish(ctx, id); err != nil {
			p.log.Error("重新投递过期任务失败", slog.String("task_id", id), slog.Any("error", err))
		}
	}
	if len(ids) > 0 {
		p.log.Warn("已回收租约过期的任务", slog.Int("count", len(ids)), slog.Any("task_ids", ids))
	}
}

// heartbeat 在执行期间定期续租，返回的函数停止续租并等待协程退出。
func (p *Processor) heartbeat(ctx context.Context, id string) func() {
	if p.lease <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(p.lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.Touch(ctx, id); err != nil && ctx.Err() == nil {
					p.log.Warn("任务续租失败", slog.String("task_id", id), slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// handle 返回的错误交给队列决定是否重新投递，因此只在存储或投递出错、或执行被关停打断时返回。
func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	t, err := p.store.Claim(ctx, id)
	switch {
	case err == nil:
	case skippable(err):
		p.log.Debug("跳过任务", slog.String("task_id", id), slog.String("reason", err.Error()))
		return nil
	default:
		p.log.Error("领取任务失败", slog.String("task_id", id), slog.Any("error", err))
		p.alert(ctx, &Task{ID: id}, CodeTaskProcessing, err, stageClaim)
		return err
	}

	stop := p.heartbeat(ctx, t.ID)
	output, err := p.run(ctx, t)
	stop()
	if err != nil && ctx.Err() != nil {
		return p.interrupt(ctx, t, err)
	}
	if err != nil {
		return p.fail(ctx, t, err)
	}
	result, err := encodeResult(output)
	if err != nil {
		return p.fail(ctx, t, err)
	}
	return p.succeed(ctx, t, result)
}

// skippable 判断领取失败是否意味着这条投递已无事可做，例如重复投递或任务已结束。
func skippable(err error) bool {
	for _, target := range []error{ErrTaskNotFound, ErrTaskCompleted, ErrTaskExhausted, ErrTaskConflict} {
		if stdErrors.Is(err, target) {
			return true
		}
	}
	return false
}

func (p *Processor) run(ctx context.Context, t *Task) (any, error) {
	exec, err := p.lookup(t.Kind)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.Tracer().Start(ctx, "task."+t.Kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.agent_id", t.AgentID),
		attribute.Int("task.attempt", t.Attempts),
	)
	out, err := exec.Execute(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// interrupt 处理关停打断的执行：任务退回 pending 且不计入尝试次数，
// 返回可重试错误让队列保留这条消息。ctx 已取消，存储操作使用脱离取消的上下文。
func (p *Processor) interrupt(ctx context.Context, t *Task, cause error) error {
	if err := p.store.Release(context.WithoutCancel(ctx), t.ID); err != nil {
		p.log.Error("退回被打断的任务失败", slog.String("task_id", t.ID), slog.Any("error", err))
		return err
	}
	p.log.Info("任务执行被打断，已退回队列",
		slog.String("task_id", t.ID),
		slog.String("kind", t.Kind),
		slog.Any("cause", cause),
	)
	return xerrors.Wrap(CodeTaskInterrupted, cause, fmt.Sprintf("任务 %s 执行被打断", t.ID))
}

// succeed 写入结果。写入失败时任务回到 pending 并重新投递，下一次领取会再次执行。
// 执行已经完成，结果写入不随 ctx 取消而放弃。
func (p *Processor) succeed(ctx context.Context, t *Task, result json.RawMessage) error {
	markErr := p.store.MarkSucceeded(context.WithoutCancel(ctx), t.ID, result)
	if markErr == nil {
		metrics.ObserveTask(t.Kind, string(StatusSucceeded))
		logger.Audit().Info("任务执行成功",
			slog.String("task_id", t.ID),
			slog.String("kind", t.Kind),
			slog.String("agent_id", t.AgentID),
			slog.Int("attempts", t.Attempts),
		)
		return nil
	}

	p.log.Error("标记任务成功状态失败", slog.String("task_id", t.ID), slog.Any("error", markErr))
	if err := p.store.MarkFailed(ctx, t.ID, CodeTaskProcessing, markErr.Error(), false); err != nil {
		p.log.Error("回写失败状态出错", slog.String("task_id", t.ID), slog.Any("error", err))
		return err
	}
	if err := p.requeue(ctx, t); err != nil {
		return err
	}
	logger.Audit().Warn("任务标记成功失败后重试",
		slog.String("task_id", t.ID),
		slog.String("kind", t.Kind),
		slog.String("error", markErr.Error()),
	)
	return nil
}

// failure 是一次执行失败的归类结果。
type failure struct {
	code      xerrors.Code
	retryable bool
	terminal  bool
}

func classify(t *Task, err error) failure {
	f := failure{code: xerrors.CodeOf(err), retryable: xerrors.RetryableError(err)}
	if f.code == xerrors.CodeUnknown {
		f.code = CodeTaskProcessing
	}
	f.terminal = !f.retryable || t.Attempts >= t.MaxRetries
	return f
}

func (f failure) stage() string {
	switch {
	case !f.retryable:
		return stageNonRetryable
	case f.terminal:
		return stageTerminal
	default:
		return stageRetry
	}
}

func (p *Processor) fail(ctx context.Context, t *Task, cause error) error {
	f := classify(t, cause)
	if !f.retryable && p.degrade(ctx, t, f.code, cause) {
		return nil
	}

	if err := p.store.MarkFailed(context.WithoutCancel(ctx), t.ID, f.code, cause.Error(), f.terminal); err != nil {
		p.log.Error("标记任务失败状态出错", slog.String("task_id", t.ID), slog.Any("error", err))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", t.ID),
		slog.String("kind", t.Kind),
		slog.Bool("terminal", f.terminal),
		slog.Any("error", cause),
		slog.String("error_code", string(f.code)),
		slog.Int("attempts", t.Attempts),
		slog.Int("max_retries", t.MaxRetries),
	)
	if f.terminal {
		metrics.ObserveTask(t.Kind, string(StatusFailed))
	} else {
		metrics.ObserveTask(t.Kind, stageRetry)
	}
	p.alert(ctx, t, f.code, cause, f.stage())

	if f.terminal {
		return nil
	}
	return p.requeue(ctx, t)
}

// degrade 调用 RecoveryHandler，返回 true 表示任务已经以降级结果结束。
func (p *Processor) degrade(ctx context.Context, t *Task, code xerrors.Code, cause error) bool {
	if p.recovery == nil {
		return false
	}
	fallback, err := p.recovery.Recover(ctx, t, cause)
	if err != nil {
		wrapped := xerrors.Wrap(CodeTaskCompensate, err, "任务补偿失败")
		p.log.Error("执行补偿逻辑失败", slog.String("task_id", t.ID), slog.Any("error", wrapped))
		p.alert(ctx, t, CodeTaskCompensate, wrapped, stageCompensate)
		return false
	}
	if fallback == nil {
		return false
	}
	result, err := encodeResult(fallback)
	if err == nil {
		err = p.store.MarkSucceeded(ctx, t.ID, result)
	}
	if err != nil {
		p.log.Error("记录降级结果失败", slog.String("task_id", t.ID), slog.Any("error", err))
		return false
	}
	metrics.ObserveTask(t.Kind, stageDegraded)
	logger.Audit().Warn("任务降级完成",
		slog.String("task_id", t.ID),
		slog.String("kind", t.Kind),
		slog.String("cause", cause.Error()),
	)
	p.alert(ctx, t, code, cause, stageDegraded)
	return true
}

func (p *Processor) requeue(ctx context.Context, t *Task) error {
	if err := p.producer.Publish(ctx, t.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", t.ID))
	}
	p.log.Debug("任务已重新排队", slog.String("task_id", t.ID), slog.Int("attempts", t.Attempts))
	return nil
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(CodeTaskProcessing, err, "编码任务结果失败", xerrors.WithRetryable(false))
	}
	return raw, nil
}

// alert 派发告警。重试阶段只有注册表标记为告警的错误码才会通知。
func (p *Processor) alert(ctx context.Context, t *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if stage == stageRetry && !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		TaskID:     t.ID,
		TaskKind:   t.Kind,
		AgentID:    t.AgentID,
		Attempts:   t.Attempts,
		MaxRetries: t.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("告警通知失败", slog.String("task_id", t.ID), slog.String("stage", stage), slog.Any("error", err))
	}
}
