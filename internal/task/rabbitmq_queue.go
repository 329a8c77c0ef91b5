package task

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "starknet-agent-kit/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现任务队列。发布与消费使用不同的 channel，
// 因为 amqp channel 不能被多个协程并发使用。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	pubMu    sync.Mutex
	queue    string
	prefetch int
}

var (
	_ Queue         = (*RabbitMQQueue)(nil)
	_ DepthReporter = (*RabbitMQQueue)(nil)
)

// NewRabbitMQQueue 连接 broker 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "starkagent.tasks"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(CodeQueueUnavailable, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(CodeQueueUnavailable, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, pub: ch, queue: queue, prefetch: cfg.Prefetch}, nil
}

// Publish 以持久化消息投递任务 ID。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err := q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 使用手动确认模式消费，可重试的处理错误会 Nack 并重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(CodeQueueUnavailable, err, "创建消费 channel 失败")
	}
	defer ch.Close()

	prefetch := q.prefetch
	if prefetch <= 0 {
		prefetch = workerCount
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return xerrors.Wrap(CodeQueueUnavailable, err, "设置 RabbitMQ QOS 失败")
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(CodeQueueUnavailable, err, "订阅 RabbitMQ 队列失败")
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				taskID := string(msg.Body)
				if shouldRequeue(q.queue, taskID, handler(ctx, taskID)) {
					_ = msg.Nack(false, true)
					continue
				}
				_ = msg.Ack(false)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if amqpErr, ok := <-closed; ok && amqpErr != nil {
		return xerrors.Wrap(CodeQueueUnavailable, amqpErr, "RabbitMQ channel 已关闭")
	}
	return xerrors.New(CodeQueueUnavailable, fmt.Sprintf("RabbitMQ 队列 %s 消费结束", q.queue))
}

// Depth 通过被动声明读取队列中待投递的消息数。
func (q *RabbitMQQueue) Depth(context.Context) (int, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return 0, xerrors.Wrap(CodeQueueUnavailable, err, "创建 RabbitMQ channel 失败")
	}
	defer ch.Close()
	state, err := ch.QueueDeclarePassive(q.queue, false, false, false, false, nil)
	if err != nil {
		return 0, xerrors.Wrap(CodeQueueUnavailable, err, "读取 RabbitMQ 队列状态失败")
	}
	return state.Messages, nil
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q.pub != nil {
		_ = q.pub.Close()
	}
	return q.conn.Close()
}
