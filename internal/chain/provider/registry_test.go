package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-agent-kit/internal/chain/starknet"
	"starknet-agent-kit/internal/chain/starknet/starknettest"
	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
)

func TestNewRegistryFromDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: sepolia
chains:
  sepolia:
    rpc_url: http://127.0.0.1:9545
  mainnet:
    type: starknet
    rpc_url: http://127.0.0.1:9546
  l1:
    type: ethereum
    rpc_url: http://127.0.0.1:8545
`), 0o600))

	reg, err := NewRegistry(context.Background(), config.ChainsConfig{DefinitionsPath: path})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	assert.Equal(t, "sepolia", reg.Default())
	assert.Equal(t, []string{"l1", "mainnet", "sepolia"}, reg.Chains())

	sn, err := reg.Starknet("")
	require.NoError(t, err)
	assert.Equal(t, "sepolia", sn.Name())

	evm, err := reg.EVM("")
	require.NoError(t, err)
	assert.Equal(t, "l1", evm.Name())

	_, err = reg.Starknet("l1")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestNewRegistryShortcuts(t *testing.T) {
	reg, err := NewRegistry(context.Background(), config.ChainsConfig{
		StarknetRPC: "http://127.0.0.1:9545",
		EthereumRPC: "http://127.0.0.1:8545",
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	assert.Equal(t, "starknet", reg.Default())
	assert.Equal(t, []string{"ethereum", "starknet"}, reg.Chains())
}

func TestNewRegistryRejectsUnknownDefault(t *testing.T) {
	_, err := NewRegistry(context.Background(), config.ChainsConfig{
		StarknetRPC: "http://127.0.0.1:9545",
		Default:     "mainnet",
	})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestEmptyRegistry(t *testing.T) {
	reg, err := NewStatic("", nil, nil)
	require.NoError(t, err)
	_, err = reg.Starknet("")
	assert.Equal(t, xerrors.CodeChainFailure, xerrors.CodeOf(err))
	_, err = reg.EVM("")
	assert.Equal(t, xerrors.CodeChainFailure, xerrors.CodeOf(err))
}

func TestSnapshots(t *testing.T) {
	client, _ := starknettest.NewClient(t, "sepolia")
	_, err := NewStatic("mainnet", []*starknet.Client{client}, nil)
	require.Error(t, err, "default must exist")

	reg, err := NewStatic("", []*starknet.Client{client}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sepolia", reg.Default())

	snaps, errs := reg.Snapshots(context.Background())
	assert.Empty(t, errs)
	require.Len(t, snaps, 1)
	assert.Equal(t, starknettest.ChainID, snaps[0].ChainID)
}
