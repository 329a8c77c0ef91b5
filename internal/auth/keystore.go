package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// StaticKeyStore 保存配置文件中声明的 API Key，只保留摘要。
type StaticKeyStore struct {
	digests [][]byte
}

var _ KeyStore = (*StaticKeyStore)(nil)

// NewStaticKeyStore 使用给定的明文 Key 构建存储，空白项会被忽略。
func NewStaticKeyStore(keys []string) *StaticKeyStore {
	store := &StaticKeyStore{}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sum := sha256.Sum256([]byte(key))
		store.digests = append(store.digests, sum[:])
	}
	return store
}

// Len 返回有效 Key 的数量。
func (s *StaticKeyStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.digests)
}

// LookupKey 以常量时间比较摘要，命中时返回拥有全部权限的主体。
func (s *StaticKeyStore) LookupKey(_ context.Context, key string) (*Subject, error) {
	key = strings.TrimSpace(key)
	if s == nil || key == "" {
		return nil, ErrInvalidAPIKey
	}
	sum := sha256.Sum256([]byte(key))
	matched := 0
	// 遍历全部摘要，避免通过耗时推断命中位置。
	for _, digest := range s.digests {
		matched |= subtle.ConstantTimeCompare(digest, sum[:])
	}
	if matched != 1 {
		return nil, ErrInvalidAPIKey
	}
	return NewSubject("key-"+hex.EncodeToString(sum[:4]), ModeAPIKey, PermissionAll), nil
}
