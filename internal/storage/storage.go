// Package storage 定义缓存与分布式互斥锁的抽象，Redis 与进程内两种实现分别位于子包中。
package storage

import (
	"context"
	"time"
)

// Cache 是键值缓存。值以 JSON 形式存取。
type Cache interface {
	// Get 将命中的值解码到 dst，未命中时返回 false。
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set 写入值，ttl<=0 表示不过期。
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Mutex 提供按键互斥。
type Mutex interface {
	// Lock 阻塞直到获得锁或 ctx 结束。
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// TryLock 只尝试一次，未获得时返回 CodeLockNotAcquired。
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock 是已持有的锁。Unlock 与 Extend 只在令牌仍匹配时生效。
type Lock interface {
	Key() string
	Token() string
	Unlock(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// DefaultRetryInterval 是 Lock 两次尝试之间的等待时间。
const DefaultRetryInterval = 50 * time.Millisecond
