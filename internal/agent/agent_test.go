package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/llm"
	"starknet-agent-kit/internal/llm/llmtest"
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
	err := r.Register(
		tool.Typed("get_balance", "Return the token balance of the agent account.",
			func(_ context.Context, env tool.Env, p balanceParams) (balance, error) {
				return balance{Account: env.Account, Token: p.Token, Amount: "42"}, nil
			}, tool.InPlugin("erc20"), tool.WithAccount()),
		tool.Typed("swap_tokens", "Swap tokens.",
			func(_ context.Context, _ tool.Env, _ balanceParams) (string, error) {
				return "swapped", nil
			}, tool.InPlugin("avnu"), tool.WithAccount()),
	)
	if err != nil {
		t.Fatalf("register tools: %v", err)
	}
	return r
}

func testConfig() config.JsonConfig {
	return config.JsonConfig{
		Name:    "Nova",
		Bio:     "A Starknet assistant.",
		Plugins: []string{"erc20"},
		Account: "0x123",
	}
}

func newTestAgent(t *testing.T, cfg config.JsonConfig, client llm.Client, opts ...Option) *Agent {
	t.Helper()
	ag, err := New(cfg, client, testRegistry(t), opts...)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return ag
}

type slowLLM struct {
	wait time.Duration
}

func (s *slowLLM) Chat(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	select {
	case <-time.After(s.wait):
		return llmtest.Answer("late"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type staticKnowledge struct {
	snippets []string
	err      error
	queries  []string
}

func (s *staticKnowledge) Retrieve(_ context.Context, _ string, query string) ([]string, error) {
	s.queries = append(s.queries, query)
	return s.snippets, s.err
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(config.JsonConfig{}, llmtest.New(), tool.NewRegistry()); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if _, err := New(testConfig(), nil, tool.NewRegistry()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected missing llm error, got %v", err)
	}
	if _, err := New(testConfig(), llmtest.New(), nil); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected missing registry error, got %v", err)
	}
}

func TestAgentExecuteAnswersDirectly(t *testing.T) {
	client := llmtest.New(llmtest.Answer("gm"))
	ag := newTestAgent(t, testConfig(), client)

	result, err := ag.Execute(context.Background(), Request{Input: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "gm" || result.Iterations != 1 || result.ConversationID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	req := client.Requests[0]
	if req.Messages[0].Role != llm.RoleSystem || !strings.Contains(req.Messages[0].Content, "You are Nova") {
		t.Fatalf("system prompt missing: %+v", req.Messages[0])
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != llm.RoleUser || last.Content != "hello" {
		t.Fatalf("user message missing: %+v", last)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_balance" {
		t.Fatalf("expected only erc20 tools, got %+v", req.Tools)
	}
}

func TestAgentExecuteInvokesTools(t *testing.T) {
	client := llmtest.New(
		llmtest.Call("call-1", "get_balance", `{"token":"ETH"}`),
		llmtest.Answer("You hold 42 ETH."),
	)
	ag := newTestAgent(t, testConfig(), client)

	result, err := ag.Execute(context.Background(), Request{Input: "what is my balance?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "You hold 42 ETH." || result.Iterations != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.ToolCalls) != 1 || !result.ToolCalls[0].Result.OK() {
		t.Fatalf("unexpected tool calls: %+v", result.ToolCalls)
	}

	second := client.Requests[1].Messages
	toolMsg := second[len(second)-1]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "call-1" || toolMsg.Name != "get_balance" {
		t.Fatalf("unexpected tool message: %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, `"account":"0x123"`) || !strings.Contains(toolMsg.Content, `"amount":"42"`) {
		t.Fatalf("tool result not forwarded: %s", toolMsg.Content)
	}
}

func TestAgentRequestAccountOverridesConfig(t *testing.T) {
	client := llmtest.New(llmtest.Call("c", "get_balance", `{"token":"STRK"}`), llmtest.Answer("ok"))
	ag := newTestAgent(t, testConfig(), client)

	result, err := ag.Execute(context.Background(), Request{Input: "balance", Account: "0xabc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, ok := result.ToolCalls[0].Result.Data.(balance)
	if !ok || data.Account != "0xabc" {
		t.Fatalf("expected request account, got %+v", result.ToolCalls[0].Result.Data)
	}
}

func TestAgentRejectsToolsOutsidePlugins(t *testing.T) {
	client := llmtest.New(
		llmtest.Call("c1", "swap_tokens", `{"token":"ETH"}`),
		llmtest.Answer("cannot swap"),
	)
	ag := newTestAgent(t, testConfig(), client)

	result, err := ag.Execute(context.Background(), Request{Input: "swap"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := result.ToolCalls[0].Result
	if res.OK() || res.Code != xerrors.CodeToolNotFound {
		t.Fatalf("expected tool not found failure, got %+v", res)
	}
}

func TestAgentToolFailureReturnsToModel(t *testing.T) {
	client := llmtest.New(
		llmtest.Call("c1", "get_balance", `{"token": 5}`),
		llmtest.Answer("the arguments were wrong"),
	)
	ag := newTestAgent(t, testConfig(), client)

	result, err := ag.Execute(context.Background(), Request{Input: "balance"})
	if err != nil {
		t.Fatalf("tool failures must not abort the run: %v", err)
	}
	if result.ToolCalls[0].Result.Code != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %+v", result.ToolCalls[0].Result)
	}
}

func TestAgentIterationCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2
	client := llmtest.New(llmtest.Call("loop", "get_balance", `{"token":"ETH"}`))
	ag := newTestAgent(t, cfg, client)

	_, err := ag.Execute(context.Background(), Request{Input: "loop forever"})
	if xerrors.CodeOf(err) != xerrors.CodeAgentIterations {
		t.Fatalf("expected iteration error, got %v", err)
	}
	if client.Calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", client.Calls())
	}
}

func TestAgentDefaultMaxIterations(t *testing.T) {
	ag := newTestAgent(t, testConfig(), llmtest.New(), WithMaxIterations(3))
	if ag.Config().MaxIterations != 3 {
		t.Fatalf("expected fallback of 3, got %d", ag.Config().MaxIterations)
	}

	cfg := testConfig()
	cfg.MaxIterations = 5
	ag = newTestAgent(t, cfg, llmtest.New(), WithMaxIterations(3))
	if ag.Config().MaxIterations != 5 {
		t.Fatalf("explicit max_iterations must win, got %d", ag.Config().MaxIterations)
	}
}

func TestAgentExecuteTimeout(t *testing.T) {
	ag := newTestAgent(t, testConfig(), &slowLLM{wait: 200 * time.Millisecond}, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), Request{Input: "slow"})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestAgentModelFailure(t *testing.T) {
	client := llmtest.New().FailWith(errors.New("connection reset"))
	ag := newTestAgent(t, testConfig(), client)

	_, err := ag.Execute(context.Background(), Request{Input: "hi"})
	if xerrors.CodeOf(err) != xerrors.CodeModelFailure {
		t.Fatalf("expected model failure, got %v", err)
	}

	_, err = ag.Execute(context.Background(), Request{Input: "   "})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestAgentStreamEmitsEvents(t *testing.T) {
	client := llmtest.New(
		llmtest.Call("c1", "get_balance", `{"token":"ETH"}`),
		llmtest.Answer("done"),
	)
	ag := newTestAgent(t, testConfig(), client)

	var (
		mu     sync.Mutex
		events []Event
	)
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	if _, err := ag.Stream(context.Background(), Request{ConversationID: "conv-1", Input: "balance"}, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []EventType{EventThinking, EventToolCall, EventToolResult, EventThinking, EventAnswer}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
		if ev.AgentID != "nova" || ev.ConversationID != "conv-1" || ev.Timestamp == 0 {
			t.Fatalf("event %d missing envelope: %+v", i, ev)
		}
	}
	if string(events[1].Arguments) != `{"token":"ETH"}` || events[2].Result == nil || !events[2].Result.OK() {
		t.Fatalf("unexpected tool events: %+v %+v", events[1], events[2])
	}
	if events[4].Content != "done" {
		t.Fatalf("unexpected answer: %+v", events[4])
	}
}

func TestAgentStreamStopsWhenSinkFails(t *testing.T) {
	client := llmtest.New(llmtest.Answer("never sent"))
	ag := newTestAgent(t, testConfig(), client)

	var got []EventType
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Type)
		if ev.Type == EventThinking {
			return errors.New("socket closed")
		}
		return nil
	})
	_, err := ag.Stream(context.Background(), Request{Input: "hi"}, sink)
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected executor failure, got %v", err)
	}
	if client.Calls() != 0 {
		t.Fatalf("model must not be called after the sink failed")
	}
	if len(got) != 2 || got[1] != EventError {
		t.Fatalf("expected trailing error event, got %v", got)
	}
}

func TestAgentMemoryCarriesConversation(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Enabled = true
	cfg.Memory.ShortTermDepth = 10
	client := llmtest.New(llmtest.Answer("first answer"), llmtest.Answer("second answer"))
	mem := NewInMemory()
	ag := newTestAgent(t, cfg, client, WithMemory(mem))

	ctx := context.Background()
	if _, err := ag.Execute(ctx, Request{ConversationID: "c1", Input: "first question"}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := ag.Execute(ctx, Request{ConversationID: "c1", Input: "second question"}); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	msgs := client.Requests[1].Messages
	// system, 历史两条, 当前输入
	if len(msgs) != 4 {
		t.Fatalf("expected history in second request, got %+v", msgs)
	}
	if msgs[1].Content != "first question" || msgs[2].Content != "first answer" {
		t.Fatalf("unexpected history: %+v", msgs[1:3])
	}

	stored, err := mem.Load(ctx, "nova", "c1", 0)
	if err != nil || len(stored) != 4 {
		t.Fatalf("expected 4 stored messages, got %d (%v)", len(stored), err)
	}
}

func TestAgentRefusesConversationOfAnotherAgent(t *testing.T) {
	var swaps int
	registry := tool.NewRegistry()
	err := registry.Register(tool.Typed("swap_tokens", "Swap tokens.",
		func(_ context.Context, _ tool.Env, _ balanceParams) (string, error) {
			swaps++
			return "swapped", nil
		}, tool.InPlugin("avnu"), tool.WithAccount()))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	mem := NewInMemory()
	ctx := context.Background()
	if err := mem.Append(ctx, "orion", "conv-1", llm.Message{Role: llm.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	cfg := testConfig()
	cfg.Plugins = []string{"avnu"}
	cfg.Memory.Enabled = true
	client := llmtest.New(
		llmtest.Call("c1", "swap_tokens", `{"token":"ETH"}`),
		llmtest.Answer("swapped"),
	)
	ag, err := New(cfg, client, registry, WithMemory(mem))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	_, err = ag.Execute(ctx, Request{ConversationID: "conv-1", Input: "swap 1 ETH"})
	if xerrors.CodeOf(err) != xerrors.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if swaps != 0 {
		t.Fatalf("tool must not run on a foreign conversation, ran %d times", swaps)
	}
	if client.Calls() != 0 {
		t.Fatalf("model must not be called, got %d requests", client.Calls())
	}
	stored, _ := mem.Load(ctx, "orion", "conv-1", 0)
	if len(stored) != 1 {
		t.Fatalf("foreign conversation must stay untouched, got %+v", stored)
	}
}

func TestAgentMemoryDisabledByConfig(t *testing.T) {
	client := llmtest.New(llmtest.Answer("a"), llmtest.Answer("b"))
	mem := NewInMemory()
	ag := newTestAgent(t, testConfig(), client, WithMemory(mem))

	for i := 0; i < 2; i++ {
		if _, err := ag.Execute(context.Background(), Request{ConversationID: "c1", Input: "q"}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if n := len(client.Requests[1].Messages); n != 2 {
		t.Fatalf("expected no history, got %d messages", n)
	}
}

func TestAgentKnowledgeIsInjected(t *testing.T) {
	client := llmtest.New(llmtest.Answer("ok"))
	source := &staticKnowledge{snippets: []string{"[guide.md:1-3] Fees are paid in STRK.", " "}}
	ag := newTestAgent(t, testConfig(), client, WithKnowledgeProvider(source))

	if _, err := ag.Execute(context.Background(), Request{Input: "how are fees paid?"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := client.Requests[0].Messages
	if msgs[1].Role != llm.RoleSystem || !strings.Contains(msgs[1].Content, "Fees are paid in STRK.") {
		t.Fatalf("knowledge not injected: %+v", msgs)
	}
	if len(source.queries) != 1 || source.queries[0] != "how are fees paid?" {
		t.Fatalf("unexpected queries: %v", source.queries)
	}
}

func TestAgentKnowledgeFailureIsIgnored(t *testing.T) {
	client := llmtest.New(llmtest.Answer("ok"))
	ag := newTestAgent(t, testConfig(), client, WithKnowledgeProvider(&staticKnowledge{err: errors.New("index offline")}))

	if _, err := ag.Execute(context.Background(), Request{Input: "hi"}); err != nil {
		t.Fatalf("knowledge errors must not fail the run: %v", err)
	}
	if n := len(client.Requests[0].Messages); n != 2 {
		t.Fatalf("expected system and user messages only, got %d", n)
	}
}

func TestTrimHistoryDropsOrphanToolMessages(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleTool, ToolCallID: "x", Content: "{}"},
		{Role: llm.RoleUser, Content: "q"},
		{Role: llm.RoleAssistant, Content: "a"},
	}
	got := trimHistory(msgs)
	if len(got) != 2 || got[0].Role != llm.RoleUser {
		t.Fatalf("unexpected trimmed history: %+v", got)
	}
}
