// Package rpc 是内置的 Starknet RPC 读取插件，注册为 builtin:rpc。
package rpc

import (
	"fmt"
	"strings"
	"sync"

	"starknet-agent-kit/internal/chain/provider"
	"starknet-agent-kit/internal/chain/starknet"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/plugin"
)

// ID 是插件标识。
const ID = "rpc"

func init() {
	plugin.RegisterFactory(ID, func() plugin.Plugin { return New() })
}

// Plugin 将 Starknet 客户端的读取方法暴露为工具。
type Plugin struct {
	mu           sync.RWMutex
	chains       *provider.Registry
	defaultChain string
}

var (
	_ plugin.Plugin       = (*Plugin)(nil)
	_ plugin.ToolProvider = (*Plugin)(nil)
)

// New 创建未初始化的插件实例。
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		ID:           ID,
		Name:         "Starknet RPC",
		Description:  "Read-only Starknet JSON-RPC tools: blocks, transactions, classes, storage and contract calls.",
		Author:       "starknet-agent-kit",
		Version:      "1.0.0",
		Category:     plugin.TypeToolset,
		Capabilities: []plugin.Capability{plugin.CapabilityNetwork},
	}
}

// Configure 支持可选的 chain 字段，用于覆盖调用方未指定链时的默认链。
func (p *Plugin) Configure(cfg map[string]any) error {
	raw, ok := cfg["chain"]
	if !ok {
		return nil
	}
	name, ok := raw.(string)
	if !ok {
		return fmt.Errorf("chain must be a string, got %T", raw)
	}
	p.mu.Lock()
	p.defaultChain = strings.TrimSpace(name)
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Init(ctx *plugin.ExecutionContext) error {
	chains, err := plugin.Resource[*provider.Registry](ctx, plugin.ResourceChains)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.chains = chains
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(*plugin.ExecutionContext) error { return nil }

func (p *Plugin) Stop(*plugin.ExecutionContext) error { return nil }

// client 依次按调用环境、插件配置、注册表默认值选择链。
func (p *Plugin) client(env tool.Env) (*starknet.Client, error) {
	p.mu.RLock()
	chains, fallback := p.chains, p.defaultChain
	p.mu.RUnlock()
	if chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "rpc 插件尚未初始化")
	}
	name := env.Chain
	if name == "" {
		name = fallback
	}
	return chains.Starknet(name)
}
