// Package starknettest provides an in-process Starknet JSON-RPC node for tests.
package starknettest

import (
	"encoding/json"
	"sync"
	"testing"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"starknet-agent-kit/internal/chain/starknet"
)

// Fixed values served by Node.
const (
	ChainID     = "0x534e5f5345504f4c4941"
	BlockNumber = uint64(812345)
	SpecVersion = "0.7.1"
	// MissingTx is a transaction hash the node reports as unknown.
	MissingTx = "0xdead"
)

// RPCError is a JSON-RPC error with a Starknet error code.
type RPCError struct {
	Code int
	Msg  string
}

func (e *RPCError) Error() string  { return e.Msg }
func (e *RPCError) ErrorCode() int { return e.Code }

// Node implements the starknet_* namespace with canned data and records calls.
type Node struct {
	mu       sync.Mutex
	Calls    []string
	LastCall starknet.FunctionCall
	LastArgs []json.RawMessage
}

func (n *Node) record(method string, args ...json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, method)
	n.LastArgs = args
}

// Recorded returns a copy of the called method names.
func (n *Node) Recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Calls...)
}

// Args returns the raw positional arguments of the last call.
func (n *Node) Args() []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.LastArgs
}

func (n *Node) ChainId() string {
	n.record("chainId")
	return ChainID
}

func (n *Node) BlockNumber() uint64 {
	n.record("blockNumber")
	return BlockNumber
}

func (n *Node) SpecVersion() string {
	n.record("specVersion")
	return SpecVersion
}

func (n *Node) Syncing() bool {
	n.record("syncing")
	return false
}

func (n *Node) GetBlockWithTxHashes(id json.RawMessage) map[string]any {
	n.record("getBlockWithTxHashes", id)
	return map[string]any{
		"block_number": BlockNumber,
		"status":       "ACCEPTED_ON_L2",
		"transactions": []string{"0x1", "0x2", "0x3"},
	}
}

func (n *Node) GetBlockTransactionCount(id json.RawMessage) uint64 {
	n.record("getBlockTransactionCount", id)
	return 3
}

func (n *Node) GetTransactionByHash(hash string) (map[string]any, error) {
	n.record("getTransactionByHash")
	if hash == MissingTx {
		return nil, &RPCError{Code: 29, Msg: "Transaction hash not found"}
	}
	return map[string]any{"transaction_hash": hash, "type": "INVOKE"}, nil
}

func (n *Node) GetTransactionReceipt(hash string) (map[string]any, error) {
	n.record("getTransactionReceipt")
	if hash == MissingTx {
		return nil, &RPCError{Code: 29, Msg: "Transaction hash not found"}
	}
	return map[string]any{"transaction_hash": hash, "execution_status": "SUCCEEDED"}, nil
}

func (n *Node) GetTransactionStatus(hash string) (map[string]string, error) {
	n.record("getTransactionStatus")
	if hash == MissingTx {
		return nil, &RPCError{Code: 29, Msg: "Transaction hash not found"}
	}
	return map[string]string{"finality_status": "ACCEPTED_ON_L2", "execution_status": "SUCCEEDED"}, nil
}

func (n *Node) GetClassHashAt(id json.RawMessage, address string) string {
	n.record("getClassHashAt", id)
	return "0xc1a55"
}

func (n *Node) GetClassAt(id json.RawMessage, address string) map[string]any {
	n.record("getClassAt", id)
	return map[string]any{"contract_class_version": "0.1.0", "abi": "[]"}
}

func (n *Node) GetNonce(id json.RawMessage, address string) string {
	n.record("getNonce", id, json.RawMessage(`"`+address+`"`))
	return "0x7"
}

func (n *Node) GetStorageAt(address, key string, id json.RawMessage) string {
	n.record("getStorageAt", id)
	return "0x2a"
}

func (n *Node) Call(req starknet.FunctionCall, id json.RawMessage) []string {
	n.mu.Lock()
	n.LastCall = req
	n.mu.Unlock()
	n.record("call", id)
	return []string{"0x64", "0x0"}
}

// NewClient starts an in-process node and returns a client bound to it.
func NewClient(t testing.TB, name string) (*starknet.Client, *Node) {
	t.Helper()
	node := &Node{}
	srv := gethrpc.NewServer()
	if err := srv.RegisterName("starknet", node); err != nil {
		t.Fatalf("register starknet service: %v", err)
	}
	client := starknet.NewFromRPC(name, gethrpc.DialInProc(srv))
	t.Cleanup(func() {
		client.Close()
		srv.Stop()
	})
	return client, node
}
