package rpc

import (
	"context"
	"encoding/json"

	"starknet-agent-kit/internal/chain/starknet"
	"starknet-agent-kit/internal/tool"
)

type noParams struct{}

type blockParams struct {
	BlockID string `json:"block_id,omitempty" jsonschema:"block tag (latest or pending), block number, or 0x block hash; defaults to latest"`
}

type txParams struct {
	TransactionHash string `json:"transaction_hash" jsonschema:"transaction hash as a 0x felt"`
}

type contractParams struct {
	ContractAddress string `json:"contract_address" jsonschema:"contract address as a 0x felt"`
	BlockID         string `json:"block_id,omitempty" jsonschema:"block identifier, defaults to latest"`
}

type nonceParams struct {
	ContractAddress string `json:"contract_address,omitempty" jsonschema:"account address, defaults to the agent account"`
	BlockID         string `json:"block_id,omitempty" jsonschema:"block identifier, defaults to latest"`
}

type storageParams struct {
	ContractAddress string `json:"contract_address" jsonschema:"contract address as a 0x felt"`
	Key             string `json:"key" jsonschema:"storage key as a 0x felt"`
	BlockID         string `json:"block_id,omitempty" jsonschema:"block identifier, defaults to latest"`
}

type callParams struct {
	ContractAddress string   `json:"contract_address" jsonschema:"contract address as a 0x felt"`
	Entrypoint      string   `json:"entrypoint" jsonschema:"function name or 0x selector"`
	Calldata        []string `json:"calldata,omitempty" jsonschema:"calldata felts"`
	BlockID         string   `json:"block_id,omitempty" jsonschema:"block identifier, defaults to latest"`
}

// Tools 返回插件提供的全部工具。
func (p *Plugin) Tools() []tool.Tool {
	read := []tool.Option{tool.InPlugin(ID), tool.ReadOnly()}
	return []tool.Tool{
		tool.Typed("get_chain_id", "Return the chain id of the Starknet network.",
			func(ctx context.Context, env tool.Env, _ noParams) (map[string]string, error) {
				c, err := p.client(env)
				if err != nil {
					return nil, err
				}
				id, err := c.ChainID(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]string{"chain_id": id}, nil
			}, read...),
		tool.Typed("get_block_number", "Return the most recent accepted block number.",
			func(ctx context.Context, env tool.Env, _ noParams) (map[string]uint64, error) {
				c, err := p.client(env)
				if err != nil {
					return nil, err
				}
				n, err := c.BlockNumber(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]uint64{"block_number": n}, nil
			}, tool.InPlugin(ID)),
		tool.Typed("get_spec_version", "Return the JSON-RPC spec version served by the node.",
			func(ctx context.Context, env tool.Env, _ noParams) (map[string]string, error) {
				c, err := p.client(env)
				if err != nil {
					return nil, err
				}
				v, err := c.SpecVersion(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]string{"spec_version": v}, nil
			}, read...),
		tool.Typed("get_syncing_status", "Report whether the node is syncing.",
			func(ctx context.Context, env tool.Env, _ noParams) (starknet.SyncStatus, error) {
				c, err := p.client(env)
				if err != nil {
					return starknet.SyncStatus{}, err
				}
				return c.Syncing(ctx)
			}, tool.InPlugin(ID)),
		tool.Typed("get_block_with_tx_hashes", "Return a block header with its transaction hashes.",
			func(ctx context.Context, env tool.Env, params blockParams) (json.RawMessage, error) {
				c, block, err := p.clientAt(env, params.BlockID)
				if err != nil {
					return nil, err
				}
				return c.GetBlockWithTxHashes(ctx, block)
			}, tool.InPlugin(ID)),
		tool.Typed("get_block_transaction_count", "Return the number of transactions in a block.",
			func(ctx context.Context, env tool.Env, params blockParams) (map[string]uint64, error) {
				c, block, err := p.clientAt(env, params.BlockID)
				if err != nil {
					return nil, err
				}
				n, err := c.GetBlockTransactionCount(ctx, block)
				if err != nil {
					return nil, err
				}
				return map[string]uint64{"transaction_count": n}, nil
			}, tool.InPlugin(ID)),
		tool.Typed("get_transaction_receipt", "Return the receipt of a transaction.",
			func(ctx context.Context, env tool.Env, params txParams) (json.RawMessage, error) {
				c, err := p.client(env)
				if err != nil {
					return nil, err
				}
				return c.GetTransactionReceipt(ctx, params.TransactionHash)
			}, tool.InPlugin(ID)),
		tool.Typed("get_transaction_status", "Return finality and execution status of a transaction.",
			func(ctx context.Context, env tool.Env, params txParams) (starknet.TransactionStatus, error) {
				c, err := p.client(env)
				if err != nil {
					return starknet.TransactionStatus{}, err
				}
				return c.GetTransactionStatus(ctx, params.TransactionHash)
			}, tool.InPlugin(ID)),
		tool.Typed("get_class_hash_at", "Return the class hash of a deployed contract.",
			func(ctx context.Context, env tool.Env, params contractParams) (map[string]string, error) {
				c, block, err := p.clientAt(env, params.BlockID)
				if err != nil {
					return nil, err
				}
				hash, err := c.GetClassHashAt(ctx, block, params.ContractAddress)
				if err != nil {
					return nil, err
				}
				return map[string]string{"class_hash": hash}, nil
			}, read...),
		tool.Typed("get_class_at", "Return the contract class of a deployed contract.",
			func(ctx context.Context, env tool.Env, params contractParams) (json.RawMessage, error) {
				c, block, err := p.clientAt(env, params.BlockID)
				if err != nil {
					return nil, err
				}
				return c.GetClassAt(ctx, block, params.ContractAddress)
			}, read...),
		tool.Typed("get_nonce", "Return the nonce of an account, the agent account by default.",
			func(ctx context.Context, env tool.Env, params nonceParams) (map[string]string, error) {
				c, block, err := p.clientAt(env, params.BlockID)
				if err != nil {
					return nil, err
				}
				address := params.ContractAddress
				if address == "" {
					address = env.Account
				}
				nonce, err := c.GetNonce(ctx, block, address)
				if err != nil {
					return nil, err
				}
				return map[string]string{"address": address, "nonce": nonce}, nil
			}, tool.InPlugin(ID), tool.WithAccount()),
		tool.Typed("get_storage_at", "Return the value stored at a contract storage key.",
			func(ctx context.Context, env tool.Env, params storageParams) (map[string]string, error) {
				c, block, err := p.clientAt(env, params.BlockID)
				if err != nil {
					return nil, err
				}
				value, err := c.GetStorageAt(ctx, params.ContractAddress, params.Key, block)
				if err != nil {
					return nil, err
				}
				return map[string]string{"value": value}, nil
			}, tool.InPlugin(ID)),
		tool.Typed("call_contract", "Call a view function of a contract without sending a transaction.",
			func(ctx context.Context, env tool.Env, params callParams) (map[string][]string, error) {
				c, block, err := p.clientAt(env, params.BlockID)
				if err != nil {
					return nil, err
				}
				out, err := c.Call(ctx, params.ContractAddress, params.Entrypoint, params.Calldata, block)
				if err != nil {
					return nil, err
				}
				return map[string][]string{"result": out}, nil
			}, tool.InPlugin(ID)),
	}
}

func (p *Plugin) clientAt(env tool.Env, blockID string) (*starknet.Client, starknet.BlockID, error) {
	block, err := starknet.ParseBlockID(blockID)
	if err != nil {
		return nil, starknet.BlockID{}, err
	}
	c, err := p.client(env)
	if err != nil {
		return nil, starknet.BlockID{}, err
	}
	return c, block, nil
}
