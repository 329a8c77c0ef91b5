// Package redis 基于 go-redis 实现缓存（RedisCacheService）与互斥锁（RedisMutexService）。
package redis

import (
	"context"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
)

// NewClient 按配置创建并探测 Redis 连接，缓存、互斥锁与任务队列共享同一个客户端。
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "连接 Redis 失败")
	}
	return client, nil
}
