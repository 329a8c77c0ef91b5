package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage"
)

var (
	_ storage.Mutex = (*RedisMutexService)(nil)
	_ storage.Lock  = (*redisLock)(nil)
)

// 仅在令牌匹配时删除或续期。
var (
	unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisMutexService 使用 SET NX PX 实现的分布式互斥锁。
type RedisMutexService struct {
	client goredis.UniversalClient
	prefix string
	retry  time.Duration
}

// MutexOption 调整互斥锁行为。
type MutexOption func(*RedisMutexService)

// WithRetryInterval 设置 Lock 的重试间隔。
func WithRetryInterval(d time.Duration) MutexOption {
	return func(s *RedisMutexService) {
		if d > 0 {
			s.retry = d
		}
	}
}

// NewMutexService 创建互斥锁服务。
func NewMutexService(client goredis.UniversalClient, prefix string, opts ...MutexOption) *RedisMutexService {
	s := &RedisMutexService{client: client, prefix: prefix, retry: storage.DefaultRetryInterval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryLock 尝试一次获取锁。
func (s *RedisMutexService) TryLock(ctx context.Context, key string, ttl time.Duration) (storage.Lock, error) {
	if ttl <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "锁的 TTL 必须为正数")
	}
	token := uuid.NewString()
	fullKey := s.prefix + "lock:" + key
	ok, err := s.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "获取分布式锁失败", xerrors.WithRetryable(true))
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeLockNotAcquired, fmt.Sprintf("锁 %s 已被占用", key), xerrors.WithMetadata("key", key))
	}
	return &redisLock{client: s.client, key: key, fullKey: fullKey, token: token}, nil
}

// Lock 按重试间隔反复尝试，直到成功或 ctx 结束。
func (s *RedisMutexService) Lock(ctx context.Context, key string, ttl time.Duration) (storage.Lock, error) {
	ticker := time.NewTicker(s.retry)
	defer ticker.Stop()
	for {
		lock, err := s.TryLock(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeLockNotAcquired {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.FromContext(ctx.Err(), xerrors.CodeLockNotAcquired, fmt.Sprintf("等待锁 %s 超时", key))
		case <-ticker.C:
		}
	}
}

type redisLock struct {
	client  goredis.UniversalClient
	key     string
	fullKey string
	token   string
}

func (l *redisLock) Key() string   { return l.key }
func (l *redisLock) Token() string { return l.token }

func (l *redisLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.fullKey}, l.token).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "释放分布式锁失败")
	}
	if n == 0 {
		return xerrors.New(xerrors.CodeLockNotAcquired, fmt.Sprintf("锁 %s 已过期或被他人持有", l.key))
	}
	return nil
}

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.fullKey}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "续期分布式锁失败")
	}
	if n == 0 {
		return xerrors.New(xerrors.CodeLockNotAcquired, fmt.Sprintf("锁 %s 已过期或被他人持有", l.key))
	}
	return nil
}
