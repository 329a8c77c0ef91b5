package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
)

// Manager owns every plugin of an agent host. Plugins are registered once,
// then started and stopped as a group in id order.
type Manager struct {
	mu        sync.RWMutex
	plugins   map[string]*entry
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	log       *slog.Logger
}

// entry serialises lifecycle calls of a single plugin.
type entry struct {
	mu     sync.Mutex
	impl   Plugin
	info   Info
	state  State
	config map[string]any
	policy IsolationPolicy
	origin string
}

// NewManager validates cfg, applies opts and loads every enabled plugin.
// Loaded plugins are registered but not started.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		plugins:   make(map[string]*entry),
		loader:    DefaultLoader{},
		isolation: CapabilityIsolation{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
		log:       logger.Named("plugin"),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, id := range cfg.enabled() {
		pc := cfg.Plugins[id]
		var policy IsolationPolicy
		if pc.Policy != nil {
			policy = *pc.Policy
		}
		if err := m.Load(id, pc.location(id, cfg.PluginDir), pc.Config, policy); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds an already constructed plugin. Empty policy lists inherit
// the manager defaults.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	return m.add(id, p, cfg, policy, "manual")
}

// Load resolves path through the loader and registers the result.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return fmt.Errorf("plugin %s: empty path", id)
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin %s from %s: %w", id, path, err)
	}
	return m.add(id, p, cfg, policy, path)
}

func (m *Manager) add(id string, p Plugin, cfg map[string]any, policy IsolationPolicy, origin string) error {
	switch {
	case id == "":
		return errors.New("plugin id cannot be empty")
	case p == nil:
		return fmt.Errorf("plugin %s: nil implementation", id)
	}
	info := p.Info()
	switch info.ID {
	case "":
		info.ID = id
	case id:
	default:
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}

	policy = policy.Merge(m.defaults)
	if err := m.isolation.Validate(info, policy); err != nil {
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	config := make(map[string]any, len(cfg))
	maps.Copy(config, cfg)
	if err := p.Configure(config); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.plugins[id]; dup {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.plugins[id] = &entry{impl: p, info: info, state: StateRegistered, config: config, policy: policy, origin: origin}
	m.log.Debug("plugin registered", slog.String("plugin", id), slog.String("origin", origin))
	return nil
}

// Start runs Init on first use, then Start. Starting a started plugin is a
// no-op. A failed Start leaves the plugin initialised so it can be retried.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.locked(id, func(e *entry) error {
		if e.state == StateStarted {
			return nil
		}
		exec := m.execContext(ctx, e)
		if e.state == StateRegistered {
			if err := e.impl.Init(exec.Clone()); err != nil {
				return fmt.Errorf("initialise plugin %s: %w", id, err)
			}
			e.state = StateInitialised
		}
		if err := m.isolation.Prepare(e.info); err != nil {
			return fmt.Errorf("prepare isolation for %s: %w", id, err)
		}
		if err := e.impl.Start(exec.Clone()); err != nil {
			_ = m.isolation.Cleanup(e.info)
			return fmt.Errorf("start plugin %s: %w", id, err)
		}
		e.state = StateStarted
		return nil
	})
}

// Stop is a no-op unless the plugin is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.locked(id, func(e *entry) error {
		if e.state != StateStarted {
			return nil
		}
		if err := e.impl.Stop(m.execContext(ctx, e)); err != nil {
			return fmt.Errorf("stop plugin %s: %w", id, err)
		}
		e.state = StateStopped
		if err := m.isolation.Cleanup(e.info); err != nil {
			return fmt.Errorf("cleanup isolation for %s: %w", id, err)
		}
		return nil
	})
}

// StartAll stops at the first failure.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.IDs() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops plugins in reverse order and joins every failure.
func (m *Manager) StopAll(ctx context.Context) error {
	ids := m.IDs()
	slices.Reverse(ids)
	var errs []error
	for _, id := range ids {
		errs = append(errs, m.Stop(ctx, id))
	}
	return errors.Join(errs...)
}

func (m *Manager) State(id string) (State, error) {
	var st State
	err := m.locked(id, func(e *entry) error {
		st = e.state
		return nil
	})
	return st, err
}

func (m *Manager) Info(id string) (Info, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return e.info, nil
}

// IDs lists registered plugins, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.plugins))
}

// Tools gathers the tools of started ToolProviders among ids, or among all
// plugins when ids is empty. Tools that leave Plugin blank get the owner id.
func (m *Manager) Tools(ids ...string) ([]tool.Tool, error) {
	if len(ids) == 0 {
		ids = m.IDs()
	}
	var out []tool.Tool
	for _, id := range ids {
		err := m.locked(id, func(e *entry) error {
			provider, ok := e.impl.(ToolProvider)
			if !ok || e.state != StateStarted {
				return nil
			}
			for _, t := range provider.Tools() {
				if t.Plugin == "" {
					t.Plugin = id
				}
				out = append(out, t)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *Manager) execContext(ctx context.Context, e *entry) *ExecutionContext {
	return &ExecutionContext{C: ctx, Config: e.config, Resources: m.resources}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.plugins[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("plugin %s not registered", id)
}

// locked runs fn while holding the plugin's own lock.
func (m *Manager) locked(id string, fn func(*entry) error) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}
