package starknet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"starknet-agent-kit/internal/chain"
	xerrors "starknet-agent-kit/internal/errors"
)

// Config 描述如何连接 Starknet JSON-RPC 节点。
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	Notes       string
}

// Client 是 Starknet JSON-RPC 的轻量封装。
type Client struct {
	name  string
	notes string

	mu    sync.Mutex
	rpc   *gethrpc.Client
	batch *gethrpc.Client
}

// Dial 连接配置中的 RPC 端点。
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Starknet RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 Starknet 节点失败: %w", err)
	}
	batch := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batch, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接 Starknet 批量节点失败: %w", err)
		}
	}
	return &Client{name: cfg.Name, notes: cfg.Notes, rpc: rpcClient, batch: batch}, nil
}

// NewFromRPC 使用已建立的 RPC 连接构造客户端，主要用于测试。
func NewFromRPC(name string, rpcClient *gethrpc.Client) *Client {
	return &Client{name: name, rpc: rpcClient, batch: rpcClient}
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batch != nil && c.batch != c.rpc {
		c.batch.Close()
	}
	if c.rpc != nil {
		c.rpc.Close()
	}
	c.rpc, c.batch = nil, nil
}

func (c *Client) conn() (*gethrpc.Client, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的 Starknet 客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Starknet 客户端已关闭")
	}
	return c.rpc, nil
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	rpcClient, err := c.conn()
	if err != nil {
		return err
	}
	if err := rpcClient.CallContext(ctx, result, method, args...); err != nil {
		return wrapRPCError(method, err)
	}
	return nil
}

func wrapRPCError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xerrors.FromContext(err, xerrors.CodeChainFailure, method+" 调用失败")
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		// 节点返回的业务错误（如合约不存在）不可重试。
		return xerrors.Wrap(xerrors.CodeChainFailure, err, method+" 调用失败",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("rpc_code", fmt.Sprint(rpcErr.ErrorCode())))
	}
	return xerrors.Wrap(xerrors.CodeChainFailure, err, method+" 调用失败")
}

// ChainID 返回链 ID（felt 十六进制）。
func (c *Client) ChainID(ctx context.Context) (string, error) {
	var id string
	err := c.call(ctx, &id, "starknet_chainId")
	return id, err
}

// BlockNumber 返回最新区块高度。
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, &n, "starknet_blockNumber")
	return n, err
}

// SpecVersion 返回节点实现的 RPC 规范版本。
func (c *Client) SpecVersion(ctx context.Context) (string, error) {
	var v string
	err := c.call(ctx, &v, "starknet_specVersion")
	return v, err
}

// SyncStatus 是 starknet_syncing 的结果。节点未同步时 Syncing 为 false。
type SyncStatus struct {
	Syncing bool            `json:"syncing"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Syncing 查询节点同步状态。
func (c *Client) Syncing(ctx context.Context) (SyncStatus, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "starknet_syncing"); err != nil {
		return SyncStatus{}, err
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return SyncStatus{Syncing: flag}, nil
	}
	return SyncStatus{Syncing: true, Details: raw}, nil
}

// GetBlockWithTxHashes 返回区块头以及交易哈希列表。
func (c *Client) GetBlockWithTxHashes(ctx context.Context, block BlockID) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, &raw, "starknet_getBlockWithTxHashes", block)
	return raw, err
}

// GetBlockTransactionCount 返回区块内的交易数量。
func (c *Client) GetBlockTransactionCount(ctx context.Context, block BlockID) (uint64, error) {
	var n uint64
	err := c.call(ctx, &n, "starknet_getBlockTransactionCount", block)
	return n, err
}

// GetTransactionByHash 返回交易详情。
func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.byHash(ctx, "starknet_getTransactionByHash", hash)
}

// GetTransactionReceipt 返回交易回执。
func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.byHash(ctx, "starknet_getTransactionReceipt", hash)
}

// TransactionStatus 是交易的最终性与执行状态。
type TransactionStatus struct {
	FinalityStatus  string `json:"finality_status"`
	ExecutionStatus string `json:"execution_status,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// GetTransactionStatus 查询交易状态。
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (TransactionStatus, error) {
	h, err := NormalizeFelt(hash)
	if err != nil {
		return TransactionStatus{}, err
	}
	var status TransactionStatus
	err = c.call(ctx, &status, "starknet_getTransactionStatus", h)
	return status, err
}

func (c *Client) byHash(ctx context.Context, method, hash string) (json.RawMessage, error) {
	h, err := NormalizeFelt(hash)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	err = c.call(ctx, &raw, method, h)
	return raw, err
}

// GetClassHashAt 返回合约地址对应的类哈希。
func (c *Client) GetClassHashAt(ctx context.Context, block BlockID, address string) (string, error) {
	addr, err := NormalizeFelt(address)
	if err != nil {
		return "", err
	}
	var hash string
	err = c.call(ctx, &hash, "starknet_getClassHashAt", block, addr)
	return hash, err
}

// GetClassAt 返回合约地址对应的类定义。
func (c *Client) GetClassAt(ctx context.Context, block BlockID, address string) (json.RawMessage, error) {
	addr, err := NormalizeFelt(address)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	err = c.call(ctx, &raw, "starknet_getClassAt", block, addr)
	return raw, err
}

// GetNonce 返回账户 nonce。
func (c *Client) GetNonce(ctx context.Context, block BlockID, address string) (string, error) {
	addr, err := NormalizeFelt(address)
	if err != nil {
		return "", err
	}
	var nonce string
	err = c.call(ctx, &nonce, "starknet_getNonce", block, addr)
	return nonce, err
}

// GetStorageAt 读取合约存储槽。
func (c *Client) GetStorageAt(ctx context.Context, address, key string, block BlockID) (string, error) {
	addr, err := NormalizeFelt(address)
	if err != nil {
		return "", err
	}
	k, err := NormalizeFelt(key)
	if err != nil {
		return "", err
	}
	var value string
	err = c.call(ctx, &value, "starknet_getStorageAt", addr, k, block)
	return value, err
}

// FunctionCall 是 starknet_call 的请求体。
type FunctionCall struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

// Call 以函数名调用合约的只读入口，返回 felt 列表。
func (c *Client) Call(ctx context.Context, address, function string, calldata []string, block BlockID) ([]string, error) {
	addr, err := NormalizeFelt(address)
	if err != nil {
		return nil, err
	}
	function = strings.TrimSpace(function)
	if function == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "函数名不能为空")
	}
	// 0x 开头视为已计算好的选择器，同样要在有限域内。
	selector := Selector(function)
	if strings.HasPrefix(function, "0x") || strings.HasPrefix(function, "0X") {
		if selector, err = NormalizeFelt(function); err != nil {
			return nil, err
		}
	}
	args := make([]string, 0, len(calldata))
	for _, item := range calldata {
		felt, err := NormalizeFelt(item)
		if err != nil {
			return nil, err
		}
		args = append(args, felt)
	}
	var out []string
	err = c.call(ctx, &out, "starknet_call", FunctionCall{
		ContractAddress:    addr,
		EntryPointSelector: selector,
		Calldata:           args,
	}, block)
	return out, err
}

// Snapshot 在一次批量请求中获取链 ID 与区块高度。
func (c *Client) Snapshot(ctx context.Context) (chain.Snapshot, error) {
	if _, err := c.conn(); err != nil {
		return chain.Snapshot{}, err
	}
	c.mu.Lock()
	batch := c.batch
	c.mu.Unlock()

	var (
		chainID string
		number  uint64
	)
	elems := []gethrpc.BatchElem{
		{Method: "starknet_chainId", Result: &chainID},
		{Method: "starknet_blockNumber", Result: &number},
	}
	if err := batch.BatchCallContext(ctx, elems); err != nil {
		return chain.Snapshot{}, wrapRPCError("batch", err)
	}
	for _, elem := range elems {
		if elem.Error != nil {
			return chain.Snapshot{}, wrapRPCError(elem.Method, elem.Error)
		}
	}
	return chain.Snapshot{
		Chain:       c.name,
		Type:        chain.TypeStarknet,
		ChainID:     chainID,
		BlockNumber: number,
		Notes:       c.notes,
	}, nil
}
