package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage/sqlstore"
)

// NewQueueFromConfig 按 task_queue.driver 创建队列。redis 驱动复用传入的客户端。
func NewQueueFromConfig(cfg config.TaskQueueConfig, client *redis.Client) (Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		if client == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis 队列需要配置 storage.redis")
		}
		return NewRedisQueue(RedisQueueConfig{
			Client:    client,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("未知的任务队列驱动: %s", cfg.Driver))
	}
}

// NewStoreFromConfig 按 storage.task_store 创建任务存储。
func NewStoreFromConfig(kind string, db *sqlstore.DB) (Store, error) {
	switch strings.ToLower(kind) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sql":
		return NewSQLStore(db)
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("未知的任务存储: %s", kind))
	}
}
