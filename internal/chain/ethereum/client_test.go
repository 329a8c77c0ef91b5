package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"starknet-agent-kit/internal/chain"
	xerrors "starknet-agent-kit/internal/errors"
)

func TestClientAgainstSimulatedBackend(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(types.GenesisAlloc{
		addr: {Balance: big.NewInt(1_000_000_000)},
	})
	t.Cleanup(func() { _ = backend.Close() })

	client := NewWithBackend("l1", backend.Client())
	ctx := context.Background()

	snap, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Type != chain.TypeEVM || snap.ChainID != "0x539" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	balance, err := client.Balance(ctx, addr.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != "0x3b9aca00" {
		t.Fatalf("balance = %s", balance)
	}

	nonce, err := client.Nonce(ctx, addr.Hex())
	if err != nil || nonce != 0 {
		t.Fatalf("nonce = %d, err = %v", nonce, err)
	}
}

type failingBackend struct{}

func (failingBackend) ChainID(context.Context) (*big.Int, error) { return nil, errors.New("down") }
func (failingBackend) BlockNumber(context.Context) (uint64, error) { return 0, errors.New("down") }
func (failingBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, errors.New("down")
}
func (failingBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("down")
}

func TestClientErrors(t *testing.T) {
	client := NewWithBackend("l1", failingBackend{})
	ctx := context.Background()

	if _, err := client.Balance(ctx, "not-an-address"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := client.Snapshot(ctx); xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("expected chain failure, got %v", err)
	}
	if _, err := client.Nonce(ctx, "0x0000000000000000000000000000000000000001"); xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("expected chain failure, got %v", err)
	}

	client.Close()
	if _, err := client.Snapshot(ctx); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected closed client error, got %v", err)
	}
}
