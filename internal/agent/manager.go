package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/llm"
	"starknet-agent-kit/internal/storage/sqlstore"
	"starknet-agent-kit/internal/task"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
)

// RunTaskKind 是异步执行智能体请求的任务类型。
const RunTaskKind = "agent.run"

// Manager 持有全部智能体，并作为 agent.run 任务的执行器。
type Manager struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	llmClient llm.Client
	registry  *tool.Registry
	opts      []Option
	log       *slog.Logger
}

// NewManager 创建管理器，opts 会应用到每个新建的智能体。
func NewManager(llmClient llm.Client, registry *tool.Registry, opts ...Option) *Manager {
	return &Manager{
		agents:    make(map[string]*Agent),
		llmClient: llmClient,
		registry:  registry,
		opts:      opts,
		log:       logger.Named("agent.manager"),
	}
}

var _ task.Executor = (*Manager)(nil)

// Add 根据配置创建并登记一个智能体。ID 重复时返回 Conflict。
func (m *Manager) Add(cfg config.JsonConfig) (*Agent, error) {
	ag, err := New(cfg, m.llmClient, m.registry, m.opts...)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[ag.ID()]; exists {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 已存在", ag.ID()))
	}
	m.agents[ag.ID()] = ag
	m.log.Info("智能体已加载", slog.String("agent_id", ag.ID()), slog.Int("tools", len(ag.tools)), slog.String("mode", cfg.Mode))
	return ag, nil
}

// LoadDir 加载目录下的全部智能体配置。
func (m *Manager) LoadDir(dir string) (int, error) {
	configs, err := config.LoadAgentDir(dir)
	if err != nil {
		return 0, err
	}
	for _, cfg := range configs {
		if _, err := m.Add(cfg); err != nil {
			return 0, err
		}
	}
	return len(configs), nil
}

// LoadStore 加载数据库中尚未登记的智能体配置。
func (m *Manager) LoadStore(ctx context.Context, repo *sqlstore.AgentConfigs) (int, error) {
	rows, err := repo.List(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, row := range rows {
		if _, err := m.Get(row.ID); err == nil {
			continue
		}
		cfg, err := config.ParseAgentConfig(row.Config)
		if err != nil {
			return loaded, fmt.Errorf("智能体配置 %s: %w", row.ID, err)
		}
		if _, err := m.Add(cfg); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Persist 把当前全部配置写入数据库。
func (m *Manager) Persist(ctx context.Context, repo *sqlstore.AgentConfigs) error {
	for _, ag := range m.List() {
		cfg := ag.Config()
		encoded, err := json.Marshal(cfg)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码智能体配置失败")
		}
		if _, err := repo.Upsert(ctx, sqlstore.AgentConfigSQL{ID: cfg.ID, Name: cfg.Name, Config: encoded}); err != nil {
			return err
		}
	}
	return nil
}

// Get 返回指定智能体。
func (m *Manager) Get(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ag, ok := m.agents[strings.TrimSpace(id)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不存在", id))
	}
	return ag, nil
}

// List 返回全部智能体，按 ID 排序。
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	out := make([]*Agent, 0, len(m.agents))
	for _, ag := range m.agents {
		out = append(out, ag)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Execute 实现 task.Executor，payload 为 Request。
func (m *Manager) Execute(ctx context.Context, t *task.Task) (any, error) {
	ag, err := m.Get(t.AgentID)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := t.DecodePayload(&req); err != nil {
		return nil, err
	}
	res, err := ag.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunAutonomous 为所有 autonomous 模式的智能体启动循环，阻塞直到 ctx 结束。
func (m *Manager) RunAutonomous(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for _, ag := range m.List() {
		if ag.cfg.Mode != config.ModeAutonomous {
			continue
		}
		started++
		g.Go(func() error {
			return ag.RunAutonomous(gctx)
		})
	}
	if started == 0 {
		return nil
	}
	return g.Wait()
}
