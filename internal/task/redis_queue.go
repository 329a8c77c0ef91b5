package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "starknet-agent-kit/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列参数。连接由 storage.redis 统一创建并管理。
type RedisQueueConfig struct {
	Client    redis.UniversalClient
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 的可靠队列。
// 消费时用 BLMOVE 把任务 ID 移到 <queue>:processing，处理结束后再删除，
// 进程崩溃遗留的条目会在下一次 Consume 时回到主队列。
type RedisQueue struct {
	client     redis.UniversalClient
	queue      string
	processing string
	wait       time.Duration
}

var (
	_ Queue         = (*RedisQueue)(nil)
	_ DepthReporter = (*RedisQueue)(nil)
)

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 队列缺少客户端")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "starkagent:tasks"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: cfg.Client, queue: queue, processing: queue + ":processing", wait: wait}, nil
}

// Publish 将任务 ID 推入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个协程阻塞读取任务，任一协程遇到连接错误即返回。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if err := q.restoreProcessing(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return xerrors.Wrap(CodeQueueUnavailable, err, "Redis 取任务失败")
		}

		handleErr := handler(ctx, taskID)
		// 确认与回投使用独立上下文，关停时也能完成。
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		pipe := q.client.TxPipeline()
		pipe.LRem(ackCtx, q.processing, 1, taskID)
		if shouldRequeue(q.queue, taskID, handleErr) {
			pipe.RPush(ackCtx, q.queue, taskID)
		}
		_, err = pipe.Exec(ackCtx)
		cancel()
		if err != nil {
			return xerrors.Wrap(CodeQueueUnavailable, err, "Redis 确认任务失败")
		}
	}
	return nil
}

// restoreProcessing 把上次未确认的任务放回主队列。
func (q *RedisQueue) restoreProcessing(ctx context.Context) error {
	for {
		_, err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return xerrors.Wrap(CodeQueueUnavailable, err, "恢复未确认任务失败")
		}
	}
}

// Depth 返回主队列长度。
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, xerrors.Wrap(CodeQueueUnavailable, err, "读取 Redis 队列长度失败")
	}
	return int(n), nil
}

// Close 不关闭共享连接，连接由创建者释放。
func (q *RedisQueue) Close() error { return nil }
