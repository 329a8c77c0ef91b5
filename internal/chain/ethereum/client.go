package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"starknet-agent-kit/internal/chain"
	xerrors "starknet-agent-kit/internal/errors"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend is the subset of ethclient used by the L1 tools.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Client reads L1 state used to reason about Starknet bridging.
type Client struct {
	name    string
	notes   string
	mu      sync.Mutex
	backend Backend
	closer  func()
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	return &Client{name: cfg.Name, notes: cfg.Notes, backend: eth, closer: eth.Close}, nil
}

// NewWithBackend wraps an existing backend such as a simulated chain.
func NewWithBackend(name string, backend Backend) *Client {
	return &Client{name: name, backend: backend}
}

// Name returns the chain name.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
	c.backend = nil
}

func (c *Client) get() (Backend, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "以太坊客户端已关闭")
	}
	return c.backend, nil
}

// Snapshot gathers chain id and head block number.
func (c *Client) Snapshot(ctx context.Context) (chain.Snapshot, error) {
	backend, err := c.get()
	if err != nil {
		return chain.Snapshot{}, err
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return chain.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	number, err := backend.BlockNumber(ctx)
	if err != nil {
		return chain.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return chain.Snapshot{
		Chain:       c.name,
		Type:        chain.TypeEVM,
		ChainID:     toHexBig(id),
		BlockNumber: number,
		Notes:       c.notes,
	}, nil
}

// Balance returns the wei balance of address at the head block as hex.
func (c *Client) Balance(ctx context.Context, address string) (string, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return "", err
	}
	backend, err := c.get()
	if err != nil {
		return "", err
	}
	balance, err := backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
	}
	return toHexBig(balance), nil
}

// Nonce returns the pending transaction count of address.
func (c *Client) Nonce(ctx context.Context, address string) (uint64, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	backend, err := c.get()
	if err != nil {
		return 0, err
	}
	nonce, err := backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易计数失败")
	}
	return nonce, nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的以太坊地址: %s", address))
	}
	return common.HexToAddress(address), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
