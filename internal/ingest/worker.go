package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/observability/metrics"
	"starknet-agent-kit/internal/storage"
	"starknet-agent-kit/internal/task"
	"starknet-agent-kit/pkg/logger"
)

// Report 是 file.ingest 任务的执行结果。
type Report struct {
	FileID   string `json:"file_id"`
	AgentID  string `json:"agent_id"`
	FileName string `json:"file_name"`
	Chunks   int    `json:"chunks"`
}

// Worker 执行 file.ingest 任务：分块、生成向量并写入向量库。
type Worker struct {
	cache       storage.Cache
	mutex       storage.Mutex
	chunker     *Chunker
	embedder    Embedder
	store       *VectorStore
	batch       int
	parallelism int
	lockTTL     time.Duration
	logger      *slog.Logger
}

// WorkerOption 定制 Worker。
type WorkerOption func(*Worker)

// WithBatchSize 设置单次向量请求的分块数。
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithParallelism 设置并发向量请求数。
func WithParallelism(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.parallelism = n
		}
	}
}

// WithLockTTL 设置每个智能体入库锁的有效期。
func WithLockTTL(ttl time.Duration) WorkerOption {
	return func(w *Worker) {
		if ttl > 0 {
			w.lockTTL = ttl
		}
	}
}

// NewWorker 创建入库执行器。
func NewWorker(cache storage.Cache, mutex storage.Mutex, chunker *Chunker, embedder Embedder, store *VectorStore, opts ...WorkerOption) *Worker {
	w := &Worker{
		cache:       cache,
		mutex:       mutex,
		chunker:     chunker,
		embedder:    embedder,
		store:       store,
		batch:       32,
		parallelism: 4,
		lockTTL:     2 * time.Minute,
		logger:      logger.Named("ingest"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ task.Executor = (*Worker)(nil)

// Execute 实现 task.Executor。同一智能体的入库任务串行执行。
func (w *Worker) Execute(ctx context.Context, t *task.Task) (any, error) {
	var payload Payload
	if err := t.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.FileID) == "" || strings.TrimSpace(t.AgentID) == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "入库任务缺少 file_id 或 agent_id")
	}

	lock, err := w.mutex.Lock(ctx, "ingest:"+t.AgentID, w.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("释放入库锁失败", slog.String("agent_id", t.AgentID), slog.Any("error", err))
		}
	}()

	workCtx, release := w.keepLock(ctx, lock, t.AgentID)
	report, err := w.ingest(workCtx, t, payload)
	release()
	if cause := context.Cause(workCtx); err != nil && xerrors.CodeOf(cause) == xerrors.CodeLockNotAcquired {
		return nil, cause
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

// keepLock 每 lockTTL/2 续期一次入库锁。续期发现锁已丢失时取消返回的 ctx，
// 取消原因携带 CodeLockNotAcquired。
func (w *Worker) keepLock(ctx context.Context, lock storage.Lock, agentID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := lock.Extend(ctx, w.lockTTL)
			switch {
			case err == nil:
			case xerrors.CodeOf(err) == xerrors.CodeLockNotAcquired:
				w.logger.Error("入库锁已丢失，放弃本次入库", slog.String("agent_id", agentID), slog.Any("error", err))
				cancel(err)
				return
			case ctx.Err() == nil:
				w.logger.Warn("续期入库锁失败", slog.String("agent_id", agentID), slog.Any("error", err))
			}
		}
	}()
	return ctx, func() {
		cancel(nil)
		<-done
	}
}

func (w *Worker) ingest(ctx context.Context, t *task.Task, payload Payload) (Report, error) {
	var file cachedFile
	found, err := w.cache.Get(ctx, contentKey(payload.FileID), &file)
	if err != nil {
		return Report{}, err
	}
	if !found {
		return Report{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("文件 %s 的内容已过期", payload.FileID))
	}
	if file.AgentID != "" && file.AgentID != t.AgentID {
		return Report{}, xerrors.New(xerrors.CodeForbidden, "文件不属于该智能体")
	}
	fileName := payload.FileName
	if fileName == "" {
		fileName = file.FileName
	}

	chunks := w.chunker.Split(file.Content)
	vectors, err := w.embedChunks(ctx, chunks)
	if err != nil {
		return Report{}, err
	}

	docs := make([]Document, len(chunks))
	for i, c := range chunks {
		docs[i] = Document{
			ID:        fmt.Sprintf("%s#%d", payload.FileID, i),
			FileID:    payload.FileID,
			FileName:  fileName,
			Chunk:     i,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Content:   c.Text,
			Embedding: vectors[i],
		}
	}
	if ctx.Err() != nil {
		return Report{}, context.Cause(ctx)
	}
	if err := w.store.DeleteByFile(ctx, t.AgentID, payload.FileID); err != nil {
		return Report{}, err
	}
	if err := w.store.Add(ctx, t.AgentID, docs); err != nil {
		return Report{}, err
	}
	if err := w.cache.Delete(ctx, contentKey(payload.FileID)); err != nil {
		w.logger.Warn("清理上传缓存失败", slog.String("file_id", payload.FileID), slog.Any("error", err))
	}

	metrics.ObserveIngestChunks(t.AgentID, len(docs))
	logger.Audit().Info("文件入库完成",
		slog.String("agent_id", t.AgentID),
		slog.String("file_id", payload.FileID),
		slog.String("file_name", fileName),
		slog.Int("chunks", len(docs)),
	)
	return Report{FileID: payload.FileID, AgentID: t.AgentID, FileName: fileName, Chunks: len(docs)}, nil
}

// embedChunks 按批并发生成向量，结果顺序与分块一致。
func (w *Worker) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	out := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for start := 0; start < len(chunks); start += w.batch {
		end := min(start+w.batch, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		g.Go(func() error {
			vectors, err := w.embedder.Embed(gctx, texts)
			if err != nil {
				return err
			}
			if len(vectors) != len(texts) {
				return xerrors.New(xerrors.CodeModelFailure, fmt.Sprintf("向量数量 %d 与分块数量 %d 不一致", len(vectors), len(texts)))
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
