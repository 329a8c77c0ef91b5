// Package l1 是内置的以太坊 L1 读取插件，注册为 builtin:l1。
package l1

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"starknet-agent-kit/internal/chain"
	"starknet-agent-kit/internal/chain/ethereum"
	"starknet-agent-kit/internal/chain/provider"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/plugin"
)

// ID 是插件标识。
const ID = "l1"

func init() {
	plugin.RegisterFactory(ID, func() plugin.Plugin { return New() })
}

// Plugin 提供 L1 余额、交易计数与链快照工具。
type Plugin struct {
	mu     sync.RWMutex
	chains *provider.Registry
	chain  string
}

var (
	_ plugin.Plugin       = (*Plugin)(nil)
	_ plugin.ToolProvider = (*Plugin)(nil)
)

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		ID:           ID,
		Name:         "Ethereum L1",
		Description:  "Reads Ethereum L1 balances, nonces and chain state.",
		Author:       "starknet-agent-kit",
		Version:      "1.0.0",
		Category:     plugin.TypeToolset,
		Capabilities: []plugin.Capability{plugin.CapabilityNetwork},
	}
}

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
	p.chain = strings.TrimSpace(name)
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

func (p *Plugin) client() (*ethereum.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "l1 插件尚未初始化")
	}
	return p.chains.EVM(p.chain)
}

type addressParams struct {
	Address string `json:"address" jsonschema:"0x prefixed 20 byte Ethereum address"`
}

type balance struct {
	Address string `json:"address"`
	Wei     string `json:"wei"`
}

type nonce struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

// Tools 返回 L1 工具。
func (p *Plugin) Tools() []tool.Tool {
	return []tool.Tool{
		tool.Typed("get_l1_balance", "Return the ETH balance in wei of an L1 address.",
			func(ctx context.Context, _ tool.Env, params addressParams) (balance, error) {
				c, err := p.client()
				if err != nil {
					return balance{}, err
				}
				wei, err := c.Balance(ctx, params.Address)
				if err != nil {
					return balance{}, err
				}
				return balance{Address: params.Address, Wei: wei}, nil
			}, tool.InPlugin(ID)),
		tool.Typed("get_l1_nonce", "Return the pending transaction count of an L1 address.",
			func(ctx context.Context, _ tool.Env, params addressParams) (nonce, error) {
				c, err := p.client()
				if err != nil {
					return nonce{}, err
				}
				n, err := c.Nonce(ctx, params.Address)
				if err != nil {
					return nonce{}, err
				}
				return nonce{Address: params.Address, Nonce: n}, nil
			}, tool.InPlugin(ID)),
		tool.Typed("get_l1_snapshot", "Return chain id and head block of the L1 network.",
			func(ctx context.Context, _ tool.Env, _ struct{}) (chain.Snapshot, error) {
				c, err := p.client()
				if err != nil {
					return chain.Snapshot{}, err
				}
				return c.Snapshot(ctx)
			}, tool.InPlugin(ID)),
	}
}
