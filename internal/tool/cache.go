package tool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 15 * time.Second
)

// CacheConfig 控制只读工具的结果缓存。
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
	// Exclude 列出永不缓存的工具。
	Exclude []string
}

type resultCache struct {
	lru     *expirable.LRU[string, Result]
	exclude map[string]struct{}
}

func newResultCache(cfg CacheConfig) *resultCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	exclude := make(map[string]struct{}, len(cfg.Exclude))
	for _, name := range cfg.Exclude {
		exclude[name] = struct{}{}
	}
	return &resultCache{
		lru:     expirable.NewLRU[string, Result](cfg.MaxSize, nil, cfg.TTL),
		exclude: exclude,
	}
}

func (c *resultCache) allows(t Tool) bool {
	if !t.ReadOnly {
		return false
	}
	_, skip := c.exclude[t.Name]
	return !skip
}

func (c *resultCache) get(key string) (Result, bool) {
	return c.lru.Get(key)
}

func (c *resultCache) add(key string, res Result) {
	c.lru.Add(key, res)
}

// cacheKey 由工具名、账户、链以及规范化后的参数组成。
// encoding/json 对 map 按键排序输出，所以重新编码即可得到稳定的参数表示。
func cacheKey(name string, env Env, args json.RawMessage) string {
	normalized := string(args)
	var decoded any
	if err := json.Unmarshal(args, &decoded); err == nil {
		if data, err := json.Marshal(decoded); err == nil {
			normalized = string(data)
		}
	}
	return fmt.Sprintf("%s|%s|%s|%s", name, env.Chain, env.Account, normalized)
}
