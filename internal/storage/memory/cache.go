// Package memory 提供进程内的缓存与互斥锁，供单节点部署与测试使用。
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage"
)

var _ storage.Cache = (*Cache)(nil)

const (
	defaultSize = 4096
	defaultTTL  = time.Hour
)

type entry struct {
	data    []byte
	expires time.Time
}

// Cache 是带容量上限的过期 LRU 缓存。单条 TTL 不会超过构造时的 maxTTL。
type Cache struct {
	lru *expirable.LRU[string, entry]
}

// NewCache 创建缓存，size 或 maxTTL 非正时使用默认值。
func NewCache(size int, maxTTL time.Duration) *Cache {
	if size <= 0 {
		size = defaultSize
	}
	if maxTTL <= 0 {
		maxTTL = defaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, entry](size, nil, maxTTL)}
}

var (
	defaultOnce  sync.Once
	defaultCache *Cache
)

// Default 返回进程级共享缓存（StorageSingleton）。
func Default() *Cache {
	defaultOnce.Do(func() {
		defaultCache = NewCache(defaultSize, defaultTTL)
	})
	return defaultCache
}

func (c *Cache) Get(_ context.Context, key string, dst any) (bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.lru.Remove(key)
		return false, nil
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "解码缓存值失败")
	}
	return true, nil
}

func (c *Cache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码缓存值失败")
	}
	e := entry{data: data}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.lru.Add(key, e)
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len 返回当前条目数（包含尚未清理的过期条目）。
func (c *Cache) Len() int { return c.lru.Len() }
