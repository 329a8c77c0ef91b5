package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage"
	"starknet-agent-kit/internal/storage/memory"
	"starknet-agent-kit/internal/task"
)

type workerFixture struct {
	cache  *memory.Cache
	mutex  *memory.Mutex
	store  *VectorStore
	worker *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	embedder := NewHashEmbedder(64)
	store, err := NewVectorStore("", false, embedder)
	require.NoError(t, err)
	cache := memory.NewCache(64, time.Hour)
	mutex := memory.NewMutex()
	chunker := NewChunker(ChunkerConfig{ChunkSize: 16, ChunkOverlap: 4}, WithTokenizer(HeuristicTokenizer{}))
	return &workerFixture{
		cache:  cache,
		mutex:  mutex,
		store:  store,
		worker: NewWorker(cache, mutex, chunker, embedder, store, WithBatchSize(2), WithParallelism(3), WithLockTTL(time.Second)),
	}
}

func guideText() string {
	lines := []string{
		"Starknet accounts are smart contracts.",
		"Deploy an account before sending transactions.",
		"Transfers of ERC20 tokens call the transfer entrypoint.",
		"Fees are paid in STRK or ETH.",
		"Use the sequencer nonce to order transactions.",
		"Swaps route through AMM pools.",
	}
	return strings.Join(lines, "\n")
}

func TestWorkerIngestsCachedFile(t *testing.T) {
	ctx := context.Background()
	fx := newWorkerFixture(t)
	require.NoError(t, fx.cache.Set(ctx, contentKey("f1"), cachedFile{AgentID: "nova", FileName: "guide.md", Content: guideText()}, time.Minute))

	result, err := fx.worker.Execute(ctx, &task.Task{
		ID:      "t1",
		Kind:    TaskKind,
		AgentID: "nova",
		Payload: map[string]any{"file_id": "f1", "file_name": "guide.md"},
	})
	require.NoError(t, err)

	report, ok := result.(Report)
	require.True(t, ok)
	assert.Equal(t, "f1", report.FileID)
	assert.Greater(t, report.Chunks, 1)
	assert.Equal(t, report.Chunks, fx.store.Count("nova"))

	found, err := fx.cache.Get(ctx, contentKey("f1"), &cachedFile{})
	require.NoError(t, err)
	assert.False(t, found)

	snippets, err := NewRetriever(fx.store, 1).Retrieve(ctx, "nova", "transfer ERC20 tokens")
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Contains(t, snippets[0], "guide.md")
	assert.Contains(t, snippets[0], "ERC20")

	// 锁已释放
	lock, err := fx.mutex.TryLock(ctx, "ingest:nova", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock(ctx))
}

func TestWorkerReingestReplacesChunks(t *testing.T) {
	ctx := context.Background()
	fx := newWorkerFixture(t)
	run := func() int {
		require.NoError(t, fx.cache.Set(ctx, contentKey("f1"), cachedFile{AgentID: "nova", FileName: "guide.md", Content: guideText()}, time.Minute))
		result, err := fx.worker.Execute(ctx, &task.Task{AgentID: "nova", Payload: map[string]any{"file_id": "f1"}})
		require.NoError(t, err)
		return result.(Report).Chunks
	}
	first := run()
	second := run()
	assert.Equal(t, first, second)
	assert.Equal(t, first, fx.store.Count("nova"))
}

func TestWorkerFailures(t *testing.T) {
	ctx := context.Background()
	fx := newWorkerFixture(t)

	_, err := fx.worker.Execute(ctx, &task.Task{AgentID: "nova", Payload: map[string]any{}})
	assert.Equal(t, task.CodeTaskValidation, xerrors.CodeOf(err))

	_, err = fx.worker.Execute(ctx, &task.Task{AgentID: "nova", Payload: map[string]any{"file_id": "missing"}})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))

	require.NoError(t, fx.cache.Set(ctx, contentKey("f2"), cachedFile{AgentID: "orion", Content: "x"}, time.Minute))
	_, err = fx.worker.Execute(ctx, &task.Task{AgentID: "nova", Payload: map[string]any{"file_id": "f2"}})
	assert.Equal(t, xerrors.CodeForbidden, xerrors.CodeOf(err))
}

func TestWorkerWaitsForAgentLock(t *testing.T) {
	fx := newWorkerFixture(t)
	held, err := fx.mutex.TryLock(context.Background(), "ingest:nova", time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Unlock(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fx.worker.Execute(ctx, &task.Task{AgentID: "nova", Payload: map[string]any{"file_id": "f1"}})
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestUploadThroughProcessor(t *testing.T) {
	fx := newWorkerFixture(t)
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	tasks := task.NewService(store, queue, 2)
	processor := task.NewProcessor(store, queue, queue, task.WithWorkerCount(2), task.WithExecutor(TaskKind, fx.worker))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor stopped: %v", err)
		}
	}()

	svc := NewService(testIngestConfig(), fx.cache, tasks)
	up, err := svc.Upload(ctx, "nova", "guide.txt", strings.NewReader(guideText()))
	require.NoError(t, err)

	done, err := tasks.WaitUntilCompleted(ctx, up.TaskID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, task.StatusSucceeded, done.Status)

	var report Report
	require.NoError(t, json.Unmarshal(done.Result, &report))
	assert.Equal(t, up.FileID, report.FileID)
	assert.Equal(t, "guide.txt", report.FileName)
	assert.Equal(t, report.Chunks, fx.store.Count("nova"))
}

type slowEmbedder struct {
	Embedder
	delay time.Duration
}

func (s slowEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	return s.Embedder.Embed(ctx, texts)
}

// lostLock 模拟锁在执行途中被他人抢走：续期总是失败。
type lostLock struct{ storage.Lock }

func (lostLock) Extend(context.Context, time.Duration) error {
	return xerrors.New(xerrors.CodeLockNotAcquired, "lock taken over")
}

type lostLockMutex struct{ *memory.Mutex }

func (m lostLockMutex) Lock(ctx context.Context, key string, ttl time.Duration) (storage.Lock, error) {
	lock, err := m.Mutex.Lock(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lostLock{Lock: lock}, nil
}

func newSlowWorker(t *testing.T, mutex storage.Mutex, ttl time.Duration) (*Worker, *memory.Cache, *VectorStore) {
	t.Helper()
	embedder := NewHashEmbedder(64)
	store, err := NewVectorStore("", false, embedder)
	require.NoError(t, err)
	cache := memory.NewCache(64, time.Hour)
	chunker := NewChunker(ChunkerConfig{ChunkSize: 16, ChunkOverlap: 4}, WithTokenizer(HeuristicTokenizer{}))
	worker := NewWorker(cache, mutex, chunker, slowEmbedder{Embedder: embedder, delay: 60 * time.Millisecond}, store,
		WithBatchSize(1), WithParallelism(1), WithLockTTL(ttl))
	return worker, cache, store
}

func TestWorkerExtendsLockDuringSlowIngest(t *testing.T) {
	ctx := context.Background()
	mutex := memory.NewMutex()
	worker, cache, store := newSlowWorker(t, mutex, 100*time.Millisecond)
	content := strings.Repeat(guideText()+"\n", 3)
	require.NoError(t, cache.Set(ctx, contentKey("f1"), cachedFile{AgentID: "nova", Content: content}, time.Minute))

	contended := make(chan error, 1)
	go func() {
		time.Sleep(250 * time.Millisecond)
		lock, err := mutex.TryLock(ctx, "ingest:nova", time.Second)
		if err == nil {
			_ = lock.Unlock(ctx)
		}
		contended <- err
	}()

	result, err := worker.Execute(ctx, &task.Task{AgentID: "nova", Payload: map[string]any{"file_id": "f1"}})
	require.NoError(t, err)
	assert.Equal(t, result.(Report).Chunks, store.Count("nova"))
	assert.Greater(t, result.(Report).Chunks, 4, "ingest must outlive several lock TTLs")

	// 执行超过 TTL 时锁仍被持有
	assert.Equal(t, xerrors.CodeLockNotAcquired, xerrors.CodeOf(<-contended))
}

func TestWorkerAbortsWhenLockIsLost(t *testing.T) {
	ctx := context.Background()
	worker, cache, store := newSlowWorker(t, lostLockMutex{Mutex: memory.NewMutex()}, 40*time.Millisecond)
	require.NoError(t, cache.Set(ctx, contentKey("f1"), cachedFile{AgentID: "nova", Content: guideText()}, time.Minute))

	_, err := worker.Execute(ctx, &task.Task{AgentID: "nova", Payload: map[string]any{"file_id": "f1"}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLockNotAcquired, xerrors.CodeOf(err))
	assert.Zero(t, store.Count("nova"))

	found, err := cache.Get(ctx, contentKey("f1"), &cachedFile{})
	require.NoError(t, err)
	assert.True(t, found, "cached content stays for the retry")
}
