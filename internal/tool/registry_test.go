package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "starknet-agent-kit/internal/errors"
)

type blockParams struct {
	BlockID string `json:"block_id" jsonschema:"block number, hash, latest or pending"`
	Limit   int    `json:"limit,omitempty"`
}

type blockInfo struct {
	BlockID string `json:"block_id"`
	Limit   int    `json:"limit"`
}

func echoBlock(calls *atomic.Int32) Tool {
	return Typed("get_block", "Echo the requested block id.",
		func(_ context.Context, _ Env, p blockParams) (blockInfo, error) {
			if calls != nil {
				calls.Add(1)
			}
			return blockInfo{BlockID: p.BlockID, Limit: p.Limit}, nil
		}, InPlugin("rpc"), ReadOnly())
}

func decodeData(t *testing.T, res Result, dst any) {
	t.Helper()
	raw, err := json.Marshal(res.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestRegisterValidatesNames(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, Env, json.RawMessage) (any, error) { return nil, nil }

	require.NoError(t, r.Register(Tool{Name: "get_chain_id", Execute: noop}))

	err := r.Register(Tool{Name: "get_chain_id", Execute: noop})
	assert.Equal(t, xerrors.CodeToolConflict, xerrors.CodeOf(err))

	for _, bad := range []string{"", "GetChainID", "get-chain-id", "get chain"} {
		err := r.Register(Tool{Name: bad, Execute: noop})
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err), "name %q", bad)
	}

	err = r.Register(Tool{Name: "a", Execute: noop}, Tool{Name: "a", Execute: noop})
	assert.Equal(t, xerrors.CodeToolConflict, xerrors.CodeOf(err))
	_, ok := r.Get("a")
	assert.False(t, ok, "failed batch must not register anything")

	assert.Error(t, r.Register(Tool{Name: "missing_exec"}))
}

func TestListDefinitionsAndFilter(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, Env, json.RawMessage) (any, error) { return nil, nil }
	require.NoError(t, r.Register(
		Tool{Name: "zeta", Plugin: "l1", Execute: noop},
		echoBlock(nil),
		Tool{Name: "alpha", Plugin: "rpc", Kind: KindStarknet, Execute: noop},
	))

	names := func(tools []Tool) []string {
		out := make([]string, 0, len(tools))
		for _, tl := range tools {
			out = append(out, tl.Name)
		}
		return out
	}
	assert.Equal(t, []string{"alpha", "get_block", "zeta"}, names(r.List()))
	assert.Equal(t, []string{"alpha", "get_block"}, names(r.Filter("rpc")))
	assert.Len(t, r.Filter(), 3)

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, KindStarknet, defs[0].Kind)
	assert.Equal(t, KindSignature, defs[2].Kind)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(defs[1].Parameters, &schema))
	assert.Equal(t, "object", schema["type"])
	props, _ := schema["properties"].(map[string]any)
	assert.Contains(t, props, "block_id")
	assert.Equal(t, []any{"block_id"}, schema["required"])
}

func TestInvokeSuccessAndRepair(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoBlock(nil)))

	res := r.Invoke(context.Background(), Env{}, "get_block", json.RawMessage(`{"block_id":"latest","limit":2}`))
	require.True(t, res.OK(), res.Error)
	var info blockInfo
	decodeData(t, res, &info)
	assert.Equal(t, blockInfo{BlockID: "latest", Limit: 2}, info)

	// trailing comma and single quotes are repaired before validation
	res = r.Invoke(context.Background(), Env{}, "get_block", json.RawMessage(`{'block_id': 'pending',}`))
	require.True(t, res.OK(), res.Error)
	decodeData(t, res, &info)
	assert.Equal(t, "pending", info.BlockID)
}

func TestInvokeFailures(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(
		echoBlock(nil),
		Tool{Name: "needs_account", Kind: KindStarknet, Execute: func(context.Context, Env, json.RawMessage) (any, error) {
			return "ok", nil
		}},
		Tool{Name: "boom", Execute: func(context.Context, Env, json.RawMessage) (any, error) {
			return nil, errors.New("rpc unavailable")
		}},
		Tool{Name: "panics", Execute: func(context.Context, Env, json.RawMessage) (any, error) {
			panic("nil felt")
		}},
	))
	ctx := context.Background()

	res := r.Invoke(ctx, Env{}, "unknown", nil)
	assert.False(t, res.OK())
	assert.Equal(t, xerrors.CodeToolNotFound, res.Code)

	res = r.Invoke(ctx, Env{}, "get_block", json.RawMessage(`{}`))
	assert.False(t, res.OK())
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code)

	res = r.Invoke(ctx, Env{}, "get_block", json.RawMessage(`{"block_id": 5}`))
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code)

	res = r.Invoke(ctx, Env{}, "needs_account", nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code)
	res = r.Invoke(ctx, Env{Account: "0x1"}, "needs_account", nil)
	assert.True(t, res.OK())

	res = r.Invoke(ctx, Env{}, "boom", nil)
	assert.Equal(t, Result{Status: StatusFailure, Error: "rpc unavailable"}, res)
	assert.JSONEq(t, `{"status":"failure","error":"rpc unavailable"}`, res.JSON())

	res = r.Invoke(ctx, Env{}, "panics", nil)
	assert.Equal(t, xerrors.CodeExecutorFailure, res.Code)
	assert.Contains(t, res.Error, "nil felt")
}

func TestInvokeCachesReadOnlyResults(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(WithCache(CacheConfig{MaxSize: 8, TTL: time.Minute}))
	require.NoError(t, r.Register(echoBlock(&calls)))
	ctx := context.Background()

	r.Invoke(ctx, Env{}, "get_block", json.RawMessage(`{"block_id":"1","limit":1}`))
	r.Invoke(ctx, Env{}, "get_block", json.RawMessage(`{"limit":1, "block_id":"1"}`))
	assert.Equal(t, int32(1), calls.Load(), "argument order must not change the cache key")

	r.Invoke(ctx, Env{Account: "0x2"}, "get_block", json.RawMessage(`{"block_id":"1","limit":1}`))
	assert.Equal(t, int32(2), calls.Load(), "account is part of the cache key")

	excluded := NewRegistry(WithCache(CacheConfig{Exclude: []string{"get_block"}}))
	require.NoError(t, excluded.Register(echoBlock(&calls)))
	excluded.Invoke(ctx, Env{}, "get_block", json.RawMessage(`{"block_id":"1"}`))
	excluded.Invoke(ctx, Env{}, "get_block", json.RawMessage(`{"block_id":"1"}`))
	assert.Equal(t, int32(4), calls.Load())
}

func TestFailureKeepsUnifiedCode(t *testing.T) {
	res := Failure(xerrors.Wrap(xerrors.CodeChainFailure, errors.New("timeout"), "starknet_chainId 调用失败"))
	assert.Equal(t, xerrors.CodeChainFailure, res.Code)
	assert.Equal(t, "starknet_chainId 调用失败: timeout", res.Error)
}
