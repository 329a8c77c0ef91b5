package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-agent-kit/internal/tool"
)

type balanceParams struct {
	Token string `json:"token"`
}

type balance struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	require.NoError(t, r.Register(
		tool.Typed("get_balance", "Read a token balance.",
			func(_ context.Context, env tool.Env, p balanceParams) (balance, error) {
				return balance{Account: env.Account, Token: p.Token, Amount: "42"}, nil
			}, tool.InPlugin("erc20"), tool.WithAccount()),
		tool.Typed("get_chain_id", "Return the chain id.",
			func(_ context.Context, _ tool.Env, _ struct{}) (string, error) {
				return "SN_SEPOLIA", nil
			}, tool.InPlugin("rpc"), tool.ReadOnly()),
	))
	return r
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := s.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callText(t *testing.T, res *mcp.CallToolResult) tool.Result {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var out tool.Result
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestListToolsMirrorsRegistry(t *testing.T) {
	s, err := New(testRegistry(t))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"get_balance", "get_chain_id"}, s.ToolNames())

	session := connect(t, s)
	listed, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := make([]string, 0, len(listed.Tools))
	for _, tl := range listed.Tools {
		names = append(names, tl.Name)
	}
	assert.ElementsMatch(t, []string{"get_balance", "get_chain_id"}, names)
}

func TestPluginFilter(t *testing.T) {
	s, err := New(testRegistry(t), WithPlugins("rpc"))
	require.NoError(t, err)
	assert.Equal(t, []string{"get_chain_id"}, s.ToolNames())
}

func TestCallToolUsesEnv(t *testing.T) {
	s, err := New(testRegistry(t), WithEnv(tool.Env{Account: "0xabc"}))
	require.NoError(t, err)
	session := connect(t, s)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "get_balance",
		Arguments: map[string]any{"token": "ETH"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	out := callText(t, res)
	assert.Equal(t, tool.StatusSuccess, out.Status)
	data, ok := out.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0xabc", data["account"])
	assert.Equal(t, "ETH", data["token"])
}

func TestCallToolFailureIsReportedAsToolError(t *testing.T) {
	s, err := New(testRegistry(t))
	require.NoError(t, err)
	session := connect(t, s)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "get_balance",
		Arguments: map[string]any{"token": "ETH"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	out := callText(t, res)
	assert.Equal(t, tool.StatusFailure, out.Status)
	assert.Contains(t, out.Error, "requires an account")
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
