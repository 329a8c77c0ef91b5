// Package app 负责按配置组装运行时组件，供守护进程与命令行共用。
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"starknet-agent-kit/internal/agent"
	"starknet-agent-kit/internal/chain/provider"
	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/ingest"
	"starknet-agent-kit/internal/llm"
	"starknet-agent-kit/internal/llm/openai"
	"starknet-agent-kit/internal/observability/alerting"
	_ "starknet-agent-kit/internal/plugins/builtin"
	"starknet-agent-kit/internal/storage"
	"starknet-agent-kit/internal/storage/memory"
	redisstore "starknet-agent-kit/internal/storage/redis"
	"starknet-agent-kit/internal/storage/sqlstore"
	"starknet-agent-kit/internal/task"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
	"starknet-agent-kit/pkg/plugin"
)

// Options 控制需要组装的部分。
type Options struct {
	// SkipLLM 为 true 时不创建模型客户端与智能体，只提供工具。
	SkipLLM bool
	// SkipAgents 为 true 时不加载智能体目录。
	SkipAgents bool
}

// Runtime 持有进程内共享的全部组件。
type Runtime struct {
	Config *config.Config

	DB        *sqlstore.DB
	Redis     *goredis.Client
	Cache     storage.Cache
	Mutex     storage.Mutex
	Chains    *provider.Registry
	Plugins   *plugin.Manager
	Registry  *tool.Registry
	LLM       llm.Client
	TaskStore task.Store
	Queue     task.Queue
	Tasks     *task.Service
	Processor *task.Processor
	Vectors   *ingest.VectorStore
	Uploads   *ingest.Service
	Worker    *ingest.Worker
	Retriever *ingest.Retriever
	Agents    *agent.Manager

	closers []func(context.Context) error
	log     *slog.Logger
}

// Build 按依赖顺序初始化组件，出错时释放已创建的资源。
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, log: logger.Named("app")}
	built := false
	defer func() {
		if !built {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}
	if err := rt.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := rt.openTasks(); err != nil {
		return nil, err
	}
	if !opts.SkipLLM {
		if err := rt.openLLM(); err != nil {
			return nil, err
		}
	}
	if err := rt.openIngest(); err != nil {
		return nil, err
	}
	if err := rt.openTools(ctx); err != nil {
		return nil, err
	}
	if !opts.SkipLLM && !opts.SkipAgents {
		if err := rt.openAgents(ctx); err != nil {
			return nil, err
		}
	}
	rt.openProcessor()
	built = true
	return rt, nil
}

func (rt *Runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close 逆序释放资源。
func (rt *Runtime) Close(ctx context.Context) error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) openStorage(ctx context.Context) error {
	cfg := rt.Config.Storage
	if cfg.Database.Enabled() {
		db, err := sqlstore.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		rt.DB = db
		rt.onClose(func(context.Context) error { return db.Close() })
		rt.log.Info("SQL 存储已连接", slog.String("driver", cfg.Database.Driver))
	}

	if cfg.Redis.Enabled() {
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		rt.Redis = client
		rt.onClose(func(context.Context) error { return client.Close() })
		rt.Cache = redisstore.NewCacheService(client, cfg.Redis.KeyPrefix)
		rt.Mutex = redisstore.NewMutexService(client, cfg.Redis.KeyPrefix)
		rt.log.Info("Redis 缓存与互斥锁已启用", slog.String("address", cfg.Redis.Address))
		return nil
	}
	// 单节点部署退回进程内缓存与互斥锁。
	rt.Cache = memory.Default()
	rt.Mutex = memory.NewMutex()
	return nil
}

func (rt *Runtime) openTasks() error {
	store, err := task.NewStoreFromConfig(rt.Config.Storage.TaskStore, rt.DB)
	if err != nil {
		return err
	}
	rt.TaskStore = store
	rt.onClose(func(context.Context) error { return store.Close() })

	queue, err := task.NewQueueFromConfig(rt.Config.TaskQueue, rt.Redis)
	if err != nil {
		return err
	}
	rt.Queue = queue
	rt.onClose(func(context.Context) error { return queue.Close() })

	rt.Tasks = task.NewService(store, queue, rt.Config.TaskQueue.MaxRetries)
	return nil
}

func (rt *Runtime) openLLM() error {
	cfg := rt.Config.LLM
	if !strings.EqualFold(cfg.Provider, "openai") {
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的大模型 provider: "+cfg.Provider)
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:      cfg.OpenAI.ResolveAPIKey(),
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		Timeout:     cfg.OpenAI.Timeout(),
	})
	if err != nil {
		return err
	}
	rt.LLM = client
	return nil
}

func (rt *Runtime) openIngest() error {
	cfg := rt.Config.Ingest
	var embedClient ingest.EmbeddingClient
	if client, ok := rt.LLM.(*openai.Client); ok {
		embedClient = client
	}
	embedder, err := ingest.NewEmbedderFromConfig(cfg, embedClient)
	if err != nil {
		return err
	}
	vectors, err := ingest.NewVectorStore(cfg.VectorStorePath, cfg.CompressVectors, embedder)
	if err != nil {
		return err
	}
	rt.Vectors = vectors
	rt.Uploads = ingest.NewService(cfg, rt.Cache, rt.Tasks)
	rt.Retriever = ingest.NewRetriever(vectors, cfg.TopK)
	rt.Worker = ingest.NewWorker(rt.Cache, rt.Mutex,
		ingest.NewChunker(ingest.ChunkerConfig{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap}),
		embedder, vectors,
		ingest.WithBatchSize(cfg.EmbeddingBatch),
		ingest.WithLockTTL(time.Duration(cfg.LockTTLSeconds)*time.Second),
	)
	return nil
}

func (rt *Runtime) openTools(ctx context.Context) error {
	chains, err := provider.NewRegistry(ctx, rt.Config.Chains)
	if err != nil {
		return err
	}
	rt.Chains = chains
	rt.onClose(func(context.Context) error { chains.Close(); return nil })

	pluginCfg := plugin.BuiltinConfig()
	if path := rt.Config.Plugins.ConfigPath; path != "" {
		if pluginCfg, err = plugin.LoadManagerConfig(path); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载插件配置失败")
		}
	}
	uploads := rt.Uploads
	sink := plugin.KnowledgeSink(func(ctx context.Context, agentID, name string, content io.Reader) error {
		_, err := uploads.Upload(ctx, agentID, name, content)
		return err
	})
	manager, err := plugin.NewManager(pluginCfg,
		plugin.WithResource(plugin.ResourceChains, chains),
		plugin.WithResource(plugin.ResourceKnowledge, sink),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化插件管理器失败")
	}
	if err := manager.StartAll(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "启动插件失败")
	}
	rt.Plugins = manager
	rt.onClose(manager.StopAll)

	tools, err := manager.Tools()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "收集插件工具失败")
	}
	rt.Registry = tool.NewRegistry(tool.WithCache(tool.CacheConfig{
		MaxSize: rt.Config.Server.ToolCacheSize,
		TTL:     time.Duration(rt.Config.Server.ToolCacheTTLSecond) * time.Second,
	}))
	if err := rt.Registry.Register(tools...); err != nil {
		return err
	}
	rt.log.Info("工具注册完成", slog.Int("tools", len(tools)), slog.Any("plugins", manager.IDs()))
	return nil
}

// AgentOptions 返回创建智能体时统一使用的选项。
func (rt *Runtime) AgentOptions() []agent.Option {
	opts := []agent.Option{
		agent.WithKnowledgeProvider(rt.Retriever),
		agent.WithLLMTimeout(rt.Config.LLM.OpenAI.Timeout()),
		agent.WithMaxIterations(rt.Config.Agents.MaxIterations),
	}
	if rt.DB != nil {
		opts = append(opts, agent.WithMemory(agent.NewSQLMemory(rt.DB)))
	} else {
		opts = append(opts, agent.WithMemory(agent.NewInMemory()))
	}
	return opts
}

func (rt *Runtime) openAgents(ctx context.Context) error {
	rt.Agents = agent.NewManager(rt.LLM, rt.Registry, rt.AgentOptions()...)
	dir := rt.Config.Agents.Dir
	if _, statErr := os.Stat(dir); statErr == nil {
		n, err := rt.Agents.LoadDir(dir)
		if err != nil {
			return err
		}
		rt.log.Info("已加载智能体配置", slog.Int("count", n), slog.String("dir", dir))
	}
	if rt.DB == nil {
		return nil
	}
	repo := sqlstore.NewAgentConfigs(rt.DB)
	n, err := rt.Agents.LoadStore(ctx, repo)
	if err != nil {
		return err
	}
	if n > 0 {
		rt.log.Info("已从数据库恢复智能体", slog.Int("count", n))
	}
	return rt.Agents.Persist(ctx, repo)
}

func (rt *Runtime) openProcessor() {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(rt.Config.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Room: rt.Config.Alerting.Channel})
	}
	opts := []task.ProcessorOption{
		task.WithWorkerCount(rt.Config.TaskQueue.Worker),
		task.WithLease(time.Duration(rt.Config.TaskQueue.LeaseSeconds)*time.Second),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		task.WithExecutor(ingest.TaskKind, rt.Worker),
	}
	if rt.Agents != nil {
		opts = append(opts, task.WithExecutor(agent.RunTaskKind, rt.Agents))
	}
	rt.Processor = task.NewProcessor(rt.TaskStore, rt.Queue, rt.Queue, opts...)
}
