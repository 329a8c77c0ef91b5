package l1

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-agent-kit/internal/chain/ethereum"
	"starknet-agent-kit/internal/chain/provider"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/plugin"
)

var funded = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	backend := simulated.NewBackend(types.GenesisAlloc{funded: {Balance: big.NewInt(255)}})
	t.Cleanup(func() { _ = backend.Close() })

	chains, err := provider.NewStatic("", nil, []*ethereum.Client{ethereum.NewWithBackend("l1", backend.Client())})
	require.NoError(t, err)

	p := New()
	require.NoError(t, p.Configure(map[string]any{"chain": "l1"}))
	require.NoError(t, p.Init(&plugin.ExecutionContext{
		C:         context.Background(),
		Resources: map[string]any{plugin.ResourceChains: chains},
	}))
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(p.Tools()...))
	return reg
}

func TestBalanceAndNonce(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	args := json.RawMessage(`{"address":"` + funded.Hex() + `"}`)

	res := reg.Invoke(ctx, tool.Env{}, "get_l1_balance", args)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, balance{Address: funded.Hex(), Wei: "0xff"}, res.Data)

	res = reg.Invoke(ctx, tool.Env{}, "get_l1_nonce", args)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, nonce{Address: funded.Hex(), Nonce: 0}, res.Data)

	res = reg.Invoke(ctx, tool.Env{}, "get_l1_snapshot", nil)
	require.True(t, res.OK(), res.Error)
	assert.Contains(t, res.JSON(), `"chain_id":"0x539"`)
}

func TestInvalidAddress(t *testing.T) {
	reg := newRegistry(t)
	res := reg.Invoke(context.Background(), tool.Env{}, "get_l1_balance", json.RawMessage(`{"address":"nope"}`))
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code)

	res = reg.Invoke(context.Background(), tool.Env{}, "get_l1_balance", nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code, "address is required by the schema")
}

func TestConfigureRejectsNonString(t *testing.T) {
	assert.Error(t, New().Configure(map[string]any{"chain": 1}))
}
