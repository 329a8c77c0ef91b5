package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/observability/alerting"
)

type countingExecutor struct {
	processed atomic.Int32
	latency   time.Duration
}

func (f *countingExecutor) Execute(ctx context.Context, task *Task) (any, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return map[string]string{"echo": fmt.Sprint(task.Payload["input"])}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerter) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Metadata["stage"])
	}
	return out
}

func startProcessor(t *testing.T, opts ...ProcessorOption) (*Service, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(store, queue, queue, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(cancel)
	return service, cancel
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	exec := &countingExecutor{latency: 10 * time.Millisecond}
	service, _ := startProcessor(t, WithWorkerCount(8), WithExecutor("agent.run", exec))
	ctx := context.Background()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{Kind: "agent.run", Payload: map[string]any{"input": i}}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(exec.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != total {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcessorStoresResult(t *testing.T) {
	service, _ := startProcessor(t, WithExecutor("agent.run", &countingExecutor{}))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, err := service.Submit(ctx, SubmitRequest{ID: "fixed", Kind: "agent.run", AgentID: "nova", Payload: map[string]any{"input": "gm"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || string(done.Result) != `{"echo":"gm"}` || done.Attempts != 1 {
		t.Fatalf("unexpected task: %+v", done)
	}

	again, err := service.Submit(ctx, SubmitRequest{ID: "fixed", Kind: "agent.run"})
	if err != nil || again.Status != StatusSucceeded {
		t.Fatalf("expected idempotent submit, got %+v (%v)", again, err)
	}
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := ExecutorFunc(func(context.Context, *Task) (any, error) {
		if calls.Add(1) < 3 {
			return nil, xerrors.New(xerrors.CodeChainFailure, "rpc down", xerrors.WithRetryable(true))
		}
		return "ok", nil
	})
	alerts := &recordingAlerter{}
	service, _ := startProcessor(t, WithExecutor("flaky", flaky), WithAlertDispatcher(alerts))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, err := service.Submit(ctx, SubmitRequest{Kind: "flaky"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Attempts != 3 || string(done.Result) != `"ok"` {
		t.Fatalf("unexpected task: %+v", done)
	}
	// CHAIN_FAILURE 默认不告警，重试阶段不应产生事件。
	if stages := alerts.stages(); len(stages) != 0 {
		t.Fatalf("unexpected alerts: %v", stages)
	}
}

func TestProcessorStopsOnNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	broken := ExecutorFunc(func(context.Context, *Task) (any, error) {
		calls.Add(1)
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bad payload")
	})
	alerts := &recordingAlerter{}
	service, _ := startProcessor(t, WithExecutor("broken", broken), WithAlertDispatcher(alerts))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, _ := service.Submit(ctx, SubmitRequest{Kind: "broken", AgentID: "nova"})
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.ErrorCode != string(xerrors.CodeInvalidArgument) || calls.Load() != 1 {
		t.Fatalf("unexpected task: %+v calls=%d", done, calls.Load())
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "non_retryable" {
		t.Fatalf("unexpected alerts: %v", stages)
	}
	alerts.mu.Lock()
	if alerts.events[0].TaskKind != "broken" || alerts.events[0].AgentID != "nova" {
		t.Fatalf("alert missing task context: %+v", alerts.events[0])
	}
	alerts.mu.Unlock()
}

func TestProcessorUnknownKindFails(t *testing.T) {
	service, _ := startProcessor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, _ := service.Submit(ctx, SubmitRequest{Kind: "nobody.handles.this"})
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.ErrorCode != string(CodeTaskUnknownKind) {
		t.Fatalf("unexpected task: %+v", done)
	}
}

func TestProcessorRecoveryDegrades(t *testing.T) {
	broken := ExecutorFunc(func(context.Context, *Task) (any, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bad payload")
	})
	recovery := RecoveryFunc(func(_ context.Context, _ *Task, cause error) (any, error) {
		return map[string]string{"fallback": cause.Error()}, nil
	})
	service, _ := startProcessor(t, WithExecutor("broken", broken), WithRecoveryHandler(recovery))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, _ := service.Submit(ctx, SubmitRequest{Kind: "broken"})
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || len(done.Result) == 0 {
		t.Fatalf("expected degraded success, got %+v", done)
	}
}

func TestSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	if _, err := service.Submit(context.Background(), SubmitRequest{}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := NewService(nil, nil, 0).Submit(context.Background(), SubmitRequest{Kind: "x"}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization error, got %v", err)
	}
}

func TestProcessorRegisterRejectsDuplicates(t *testing.T) {
	p := NewProcessor(NewMemoryStore(), nil, nil, WithExecutor("a", &countingExecutor{}))
	if err := p.Register("a", &countingExecutor{}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := p.Register("b", &countingExecutor{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if kinds := p.Kinds(); len(kinds) != 2 || kinds[0] != "a" {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	if err := p.Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected missing consumer error, got %v", err)
	}
}

func TestProcessorReclaimsCrashedTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	// 上一个执行者领取后崩溃：任务停在 running，UpdatedAt 早已过期。
	if err := store.Create(ctx, &Task{ID: "crashed", Kind: "agent.run", MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "crashed"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	store.mu.Lock()
	store.tasks["crashed"].UpdatedAt = time.Now().Add(-time.Hour).UnixMilli()
	store.mu.Unlock()
	if err := queue.Publish(ctx, "crashed"); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	exec := &countingExecutor{}
	processor := NewProcessor(store, queue, queue, WithLease(200*time.Millisecond), WithExecutor("agent.run", exec))
	go func() { _ = processor.Start(ctx) }()

	done, err := service.WaitUntilCompleted(ctx, "crashed", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Attempts != 2 {
		t.Fatalf("crashed task should run again: %+v", done)
	}
	if got := exec.processed.Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
}

func TestProcessorHeartbeatKeepsLease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	// 执行时间是租约的数倍，续租正常时不会被回收重跑。
	exec := &countingExecutor{latency: 500 * time.Millisecond}
	processor := NewProcessor(store, queue, queue, WithLease(150*time.Millisecond), WithExecutor("agent.run", exec))
	go func() { _ = processor.Start(ctx) }()

	task, err := service.Submit(ctx, SubmitRequest{Kind: "agent.run"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Attempts != 1 {
		t.Fatalf("long task should finish on its first attempt: %+v", done)
	}
}

func TestProcessorReleasesTaskOnShutdown(t *testing.T) {
	for name, newStore := range map[string]func(*testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sql":    func(t *testing.T) Store { return newSQLStore(t) },
	} {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			queue := NewMemoryQueue(16)
			service := NewService(store, queue, 3)

			started := make(chan struct{}, 1)
			blocking := ExecutorFunc(func(ctx context.Context, _ *Task) (any, error) {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			processor := NewProcessor(store, queue, queue, WithExecutor("agent.run", blocking))
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				_ = processor.Start(ctx)
			}()

			task, err := service.Submit(context.Background(), SubmitRequest{Kind: "agent.run"})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			select {
			case <-started:
			case <-time.After(3 * time.Second):
				t.Fatal("executor never started")
			}
			time.Sleep(100 * time.Millisecond)
			cancel()
			select {
			case <-stopped:
			case <-time.After(3 * time.Second):
				t.Fatal("processor did not stop")
			}

			got, err := store.Get(context.Background(), task.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != StatusPending || got.Attempts != 0 || got.ErrorCode != "" {
				t.Fatalf("interrupted task should return to pending without using an attempt: %+v", got)
			}
		})
	}
}
