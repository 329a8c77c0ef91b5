package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
)

// Embedder 将文本批量转换为向量，输出顺序与输入一致。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// HashEmbedder 以特征哈希生成确定性的归一化向量，适合离线环境与测试。
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder 创建哈希向量器。
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions 实现 Embedder。
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed 实现 Embedder。
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.FromContext(err, xerrors.CodeModelFailure, "生成向量被中断")
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(w))
		sum := hasher.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// EmbeddingClient 是 OpenAI 兼容的 /embeddings 调用方。
type EmbeddingClient interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// OpenAIEmbedder 调用远端 Embeddings 接口，带 LRU 缓存与指数退避。
type OpenAIEmbedder struct {
	client   EmbeddingClient
	model    string
	dims     int
	cache    *lru.Cache[string, []float32]
	attempts int
	backoff  time.Duration
}

// OpenAIEmbedderOption 定制远端向量器。
type OpenAIEmbedderOption func(*OpenAIEmbedder)

// WithRetry 设置最大尝试次数与首次退避时长。
func WithRetry(attempts int, backoff time.Duration) OpenAIEmbedderOption {
	return func(e *OpenAIEmbedder) {
		if attempts > 0 {
			e.attempts = attempts
		}
		if backoff >= 0 {
			e.backoff = backoff
		}
	}
}

// NewOpenAIEmbedder 创建远端向量器。
func NewOpenAIEmbedder(client EmbeddingClient, model string, dims, cacheSize int, opts ...OpenAIEmbedderOption) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Embeddings 客户端未配置")
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建向量缓存失败")
	}
	e := &OpenAIEmbedder{client: client, model: model, dims: dims, cache: cache, attempts: 3, backoff: time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Dimensions 实现 Embedder。
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// Embed 实现 Embedder，只对未命中缓存的文本发起请求。
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx  []int
		missText []string
	)
	for i, text := range texts {
		if v, ok := e.cache.Get(text); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, text)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vectors, err := e.embedWithRetry(ctx, missText)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		e.cache.Add(texts[idx], vectors[j])
		out[idx] = vectors[j]
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	wait := e.backoff
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		vectors, err := e.client.Embed(ctx, e.model, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) || attempt == e.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.FromContext(ctx.Err(), xerrors.CodeModelFailure, "等待 Embeddings 重试被中断")
		case <-time.After(wait):
		}
		wait *= 2
	}
	if _, ok := xerrors.From(lastErr); ok {
		return nil, lastErr
	}
	return nil, xerrors.Wrap(xerrors.CodeModelFailure, lastErr, fmt.Sprintf("生成 %d 条向量失败", len(texts)))
}

// NewEmbedderFromConfig 按配置选择向量器。openai 模式需要提供客户端。
func NewEmbedderFromConfig(cfg config.IngestConfig, client EmbeddingClient) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Embedder)) {
	case "", "hash":
		return NewHashEmbedder(cfg.EmbeddingDimensions), nil
	case "openai":
		e, err := NewOpenAIEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDimensions, cfg.EmbeddingCacheSize)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的向量器: %s", cfg.Embedder))
	}
}
