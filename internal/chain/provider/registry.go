package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"starknet-agent-kit/internal/chain"
	"starknet-agent-kit/internal/chain/ethereum"
	"starknet-agent-kit/internal/chain/starknet"
	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
)

// Registry manages chain clients keyed by human readable names.
type Registry struct {
	mu           sync.RWMutex
	defaultChain string
	starknet     map[string]*starknet.Client
	evm          map[string]*ethereum.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.ChainsConfig) (*Registry, error) {
	defs, err := chain.LoadDefinitions(cfg.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	if rpc := strings.TrimSpace(cfg.StarknetRPC); rpc != "" {
		if _, ok := defs.Chains["starknet"]; !ok {
			defs.Chains["starknet"] = chain.Definition{Type: chain.TypeStarknet, RPCURL: rpc}
		}
	}
	if rpc := strings.TrimSpace(cfg.EthereumRPC); rpc != "" {
		if _, ok := defs.Chains["ethereum"]; !ok {
			defs.Chains["ethereum"] = chain.Definition{Type: chain.TypeEVM, RPCURL: rpc}
		}
	}
	if strings.TrimSpace(cfg.Default) != "" {
		defs.Default = strings.TrimSpace(cfg.Default)
	}

	r := &Registry{
		starknet: make(map[string]*starknet.Client),
		evm:      make(map[string]*ethereum.Client),
	}
	for name, def := range defs.Chains {
		switch def.Type {
		case chain.TypeStarknet:
			client, err := starknet.Dial(ctx, starknet.Config{
				Name:        name,
				RPCURL:      def.RPCURL,
				BatchRPCURL: def.BatchRPCURL,
				Notes:       def.Description,
			})
			if err != nil {
				r.Close()
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("初始化链 %s 失败", name))
			}
			r.starknet[name] = client
		case chain.TypeEVM:
			client, err := ethereum.Dial(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
			if err != nil {
				r.Close()
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("初始化链 %s 失败", name))
			}
			r.evm[name] = client
		}
	}
	if err := r.setDefault(defs.Default); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// NewStatic builds a registry from already constructed clients.
func NewStatic(defaultChain string, starknetClients []*starknet.Client, evmClients []*ethereum.Client) (*Registry, error) {
	r := &Registry{
		starknet: make(map[string]*starknet.Client),
		evm:      make(map[string]*ethereum.Client),
	}
	for _, c := range starknetClients {
		r.starknet[c.Name()] = c
	}
	for _, c := range evmClients {
		r.evm[c.Name()] = c
	}
	if err := r.setDefault(defaultChain); err != nil {
		return nil, err
	}
	return r, nil
}

// setDefault 选择默认链：显式配置优先，否则按名称排序取第一条 Starknet 链。
func (r *Registry) setDefault(name string) error {
	if name != "" {
		if _, ok := r.starknet[name]; !ok {
			return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("默认链 %s 不是已配置的 Starknet 链", name))
		}
		r.defaultChain = name
		return nil
	}
	names := sortedKeys(r.starknet)
	if len(names) > 0 {
		r.defaultChain = names[0]
	}
	return nil
}

// Default returns the name of the default Starknet chain, empty when none is configured.
func (r *Registry) Default() string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultChain
}

// Starknet resolves a Starknet client. An empty name selects the default chain.
func (r *Registry) Starknet(name string) (*starknet.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.TrimSpace(name) == "" {
		name = r.defaultChain
	}
	if name == "" {
		return nil, xerrors.New(xerrors.CodeChainFailure, "未配置 Starknet 链")
	}
	client, ok := r.starknet[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的 Starknet 链 %s", name))
	}
	return client, nil
}

// EVM resolves an EVM client. An empty name selects the only configured EVM chain.
func (r *Registry) EVM(name string) (*ethereum.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.TrimSpace(name) == "" {
		names := sortedKeys(r.evm)
		if len(names) == 0 {
			return nil, xerrors.New(xerrors.CodeChainFailure, "未配置 EVM 链")
		}
		name = names[0]
	}
	client, ok := r.evm[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的 EVM 链 %s", name))
	}
	return client, nil
}

// Chains returns every registered chain name, sorted.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append(sortedKeys(r.starknet), sortedKeys(r.evm)...)
	sort.Strings(names)
	return names
}

// Snapshots collects a snapshot from every chain. Failing chains are reported in errs.
func (r *Registry) Snapshots(ctx context.Context) ([]chain.Snapshot, map[string]error) {
	r.mu.RLock()
	sn := make(map[string]*starknet.Client, len(r.starknet))
	for k, v := range r.starknet {
		sn[k] = v
	}
	ev := make(map[string]*ethereum.Client, len(r.evm))
	for k, v := range r.evm {
		ev[k] = v
	}
	r.mu.RUnlock()

	var out []chain.Snapshot
	errs := make(map[string]error)
	for _, name := range sortedKeys(sn) {
		snap, err := sn[name].Snapshot(ctx)
		if err != nil {
			errs[name] = err
			continue
		}
		out = append(out, snap)
	}
	for _, name := range sortedKeys(ev) {
		snap, err := ev[name].Snapshot(ctx)
		if err != nil {
			errs[name] = err
			continue
		}
		out = append(out, snap)
	}
	return out, errs
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.starknet {
		client.Close()
		delete(r.starknet, name)
	}
	for name, client := range r.evm {
		client.Close()
		delete(r.evm, name)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
