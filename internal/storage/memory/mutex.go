package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage"
)

var (
	_ storage.Mutex = (*Mutex)(nil)
	_ storage.Lock  = (*memoryLock)(nil)
)

type holder struct {
	token   string
	expires time.Time
}

// Mutex 是进程内互斥锁，语义与 Redis 实现一致：锁带 TTL，过期后可被他人获取。
type Mutex struct {
	mu    sync.Mutex
	locks map[string]holder
	retry time.Duration
	now   func() time.Time
}

// NewMutex 创建进程内互斥锁。
func NewMutex() *Mutex {
	return &Mutex{
		locks: make(map[string]holder),
		retry: storage.DefaultRetryInterval / 5,
		now:   time.Now,
	}
}

func (m *Mutex) TryLock(_ context.Context, key string, ttl time.Duration) (storage.Lock, error) {
	if ttl <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "锁的 TTL 必须为正数")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if h, ok := m.locks[key]; ok && now.Before(h.expires) {
		return nil, xerrors.New(xerrors.CodeLockNotAcquired, fmt.Sprintf("锁 %s 已被占用", key), xerrors.WithMetadata("key", key))
	}
	token := uuid.NewString()
	m.locks[key] = holder{token: token, expires: now.Add(ttl)}
	return &memoryLock{owner: m, key: key, token: token}, nil
}

func (m *Mutex) Lock(ctx context.Context, key string, ttl time.Duration) (storage.Lock, error) {
	ticker := time.NewTicker(m.retry)
	defer ticker.Stop()
	for {
		lock, err := m.TryLock(ctx, key, ttl)
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

// release 在令牌匹配且未过期时执行 fn。
func (m *Mutex) release(key, token string, fn func(h holder)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.locks[key]
	if !ok || h.token != token || !m.now().Before(h.expires) {
		return xerrors.New(xerrors.CodeLockNotAcquired, fmt.Sprintf("锁 %s 已过期或被他人持有", key))
	}
	fn(h)
	return nil
}

type memoryLock struct {
	owner *Mutex
	key   string
	token string
}

func (l *memoryLock) Key() string   { return l.key }
func (l *memoryLock) Token() string { return l.token }

func (l *memoryLock) Unlock(_ context.Context) error {
	return l.owner.release(l.key, l.token, func(holder) {
		delete(l.owner.locks, l.key)
	})
}

func (l *memoryLock) Extend(_ context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "锁的 TTL 必须为正数")
	}
	return l.owner.release(l.key, l.token, func(h holder) {
		h.expires = l.owner.now().Add(ttl)
		l.owner.locks[l.key] = h
	})
}
