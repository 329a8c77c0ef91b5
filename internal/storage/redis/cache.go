package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage"
)

var _ storage.Cache = (*RedisCacheService)(nil)

// RedisCacheService 以 JSON 字符串形式在 Redis 中缓存值，所有键附加统一前缀。
type RedisCacheService struct {
	client goredis.UniversalClient
	prefix string
}

// NewCacheService 创建缓存服务。
func NewCacheService(client goredis.UniversalClient, prefix string) *RedisCacheService {
	return &RedisCacheService{client: client, prefix: prefix}
}

func (s *RedisCacheService) key(k string) string { return s.prefix + "cache:" + k }

// Get 读取并解码缓存值。
func (s *RedisCacheService) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if stdErrors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "读取缓存失败", xerrors.WithRetryable(true))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "解码缓存值失败")
	}
	return true, nil
}

// Set 编码并写入缓存值。
func (s *RedisCacheService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码缓存值失败")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "写入缓存失败", xerrors.WithRetryable(true))
	}
	return nil
}

// Delete 删除缓存键，键不存在时不报错。
func (s *RedisCacheService) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "删除缓存失败")
	}
	return nil
}
