package task

import (
	"context"
	"sync"

	xerrors "starknet-agent-kit/internal/errors"
)

// MemoryQueue 是进程内的任务队列，用于单节点部署、CLI 与测试。
// 关闭后 Publish 返回 CodeQueueUnavailable，正在运行的 Consume 会退出。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

var (
	_ Queue         = (*MemoryQueue)(nil)
	_ DepthReporter = (*MemoryQueue)(nil)
)

// NewMemoryQueue 创建容量为 size 的内存队列，size<=0 时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(CodeQueueUnavailable, "内存队列已关闭")
	default:
	}
	select {
	case <-ctx.Done():
		return xerrors.FromContext(ctx.Err(), CodeTaskPublish, "投递任务超时")
	case <-q.done:
		return xerrors.New(CodeQueueUnavailable, "内存队列已关闭")
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费任务，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					if shouldRequeue("memory", taskID, handler(ctx, taskID)) {
						// 重新入队不能阻塞消费协程，队列已满时放弃。
						select {
						case q.ch <- taskID:
						default:
						}
					}
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return xerrors.New(CodeQueueUnavailable, "内存队列已关闭")
}

// Depth 返回尚未被消费的任务数量。
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	return len(q.ch), nil
}

// Close 关闭队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
