package rpc_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-agent-kit/internal/chain/provider"
	"starknet-agent-kit/internal/chain/starknet"
	"starknet-agent-kit/internal/chain/starknet/starknettest"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/plugins/rpc"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/plugin"
)

func setup(t *testing.T) (*tool.Registry, *starknettest.Node) {
	t.Helper()
	client, node := starknettest.NewClient(t, "sepolia")
	chains, err := provider.NewStatic("sepolia", []*starknet.Client{client}, nil)
	require.NoError(t, err)

	mgr, err := plugin.NewManager(plugin.ManagerConfig{
		Defaults: plugin.IsolationPolicy{AllowedCapabilities: []plugin.Capability{plugin.CapabilityNetwork}},
		Plugins: map[string]plugin.PluginConfig{
			rpc.ID: {Enabled: true, Path: plugin.BuiltinPrefix + rpc.ID},
		},
	}, plugin.WithResource(plugin.ResourceChains, chains))
	require.NoError(t, err)
	require.NoError(t, mgr.StartAll(context.Background()))

	tools, err := mgr.Tools()
	require.NoError(t, err)
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tools...))
	return reg, node
}

func decode(t *testing.T, res tool.Result) map[string]any {
	t.Helper()
	require.True(t, res.OK(), res.Error)
	var out struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.JSON()), &out))
	return out.Data
}

func TestToolsAreRegisteredUnderPlugin(t *testing.T) {
	reg, _ := setup(t)
	names := make([]string, 0)
	for _, def := range reg.Definitions() {
		assert.Equal(t, rpc.ID, def.Plugin)
		names = append(names, def.Name)
	}
	assert.Len(t, names, 13)
	assert.Contains(t, names, "call_contract")

	nonce, ok := reg.Get("get_nonce")
	require.True(t, ok)
	assert.Equal(t, tool.KindStarknet, nonce.Kind)
}

func TestReadTools(t *testing.T) {
	reg, node := setup(t)
	ctx := context.Background()
	env := tool.Env{AgentID: "a1"}

	data := decode(t, reg.Invoke(ctx, env, "get_chain_id", nil))
	assert.Equal(t, starknettest.ChainID, data["chain_id"])

	data = decode(t, reg.Invoke(ctx, env, "get_block_transaction_count", json.RawMessage(`{"block_id":"pending"}`)))
	assert.EqualValues(t, 3, data["transaction_count"])
	assert.JSONEq(t, `"pending"`, string(node.Args()[0]))

	data = decode(t, reg.Invoke(ctx, env, "get_transaction_status", json.RawMessage(`{"transaction_hash":"0xabc"}`)))
	assert.Equal(t, "SUCCEEDED", data["execution_status"])

	data = decode(t, reg.Invoke(ctx, env, "call_contract", json.RawMessage(`{"contract_address":"0x1","entrypoint":"balanceOf","calldata":["0x2"]}`)))
	assert.Equal(t, []any{"0x64", "0x0"}, data["result"])
	assert.Equal(t, starknet.Selector("balanceOf"), node.LastCall.EntryPointSelector)
}

func TestNonceDefaultsToAccount(t *testing.T) {
	reg, node := setup(t)
	ctx := context.Background()

	res := reg.Invoke(ctx, tool.Env{}, "get_nonce", nil)
	assert.False(t, res.OK())
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code)

	data := decode(t, reg.Invoke(ctx, tool.Env{Account: "0x0abc"}, "get_nonce", nil))
	assert.Equal(t, "0x7", data["nonce"])
	assert.JSONEq(t, `"0xabc"`, string(node.Args()[1]))
}

func TestFailuresBecomeResults(t *testing.T) {
	reg, _ := setup(t)
	ctx := context.Background()

	res := reg.Invoke(ctx, tool.Env{}, "get_transaction_receipt", json.RawMessage(`{"transaction_hash":"`+starknettest.MissingTx+`"}`))
	assert.False(t, res.OK())
	assert.Equal(t, xerrors.CodeChainFailure, res.Code)
	assert.Contains(t, res.Error, "Transaction hash not found")

	res = reg.Invoke(ctx, tool.Env{}, "get_block_with_tx_hashes", json.RawMessage(`{"block_id":"yesterday"}`))
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code)

	res = reg.Invoke(ctx, tool.Env{Chain: "mainnet"}, "get_chain_id", nil)
	assert.Equal(t, xerrors.CodeNotFound, res.Code)
}

func TestUninitialisedPlugin(t *testing.T) {
	p := rpc.New()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(p.Tools()...))
	res := reg.Invoke(context.Background(), tool.Env{}, "get_block_number", nil)
	assert.Equal(t, xerrors.CodeInitializationFailure, res.Code)
}
