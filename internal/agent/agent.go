package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/llm"
	"starknet-agent-kit/internal/observability/metrics"
	"starknet-agent-kit/internal/observability/tracing"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
)

// KnowledgeSource 为一次请求检索相关知识片段。
type KnowledgeSource interface {
	Retrieve(ctx context.Context, agentID, query string) ([]string, error)
}

// Request 描述一次对智能体的请求。
type Request struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Input          string `json:"input"`
	Account        string `json:"account,omitempty"`
}

// ToolInvocation 记录一次工具调用及其结果。
type ToolInvocation struct {
	CallID    string      `json:"call_id"`
	Name      string      `json:"name"`
	Arguments string      `json:"arguments"`
	Result    tool.Result `json:"result"`
}

// Result 汇总一次执行的最终回答与过程。
type Result struct {
	AgentID        string           `json:"agent_id"`
	ConversationID string           `json:"conversation_id"`
	Output         string           `json:"output"`
	Iterations     int              `json:"iterations"`
	ToolCalls      []ToolInvocation `json:"tool_calls,omitempty"`
	Usage          llm.Usage        `json:"usage"`
}

// Agent 驱动模型与工具之间的循环，是系统的业务核心。
type Agent struct {
	cfg        config.JsonConfig
	llmClient  llm.Client
	registry   *tool.Registry
	tools      []tool.Tool
	allowed    map[string]struct{}
	memory     Memory
	knowledge  KnowledgeSource
	llmTimeout time.Duration
	log        *slog.Logger

	// maxIterations 只在智能体配置未设置 max_iterations 时生效。
	maxIterations int
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMemory 配置会话记忆，仅在智能体配置启用 memory 时生效。
func WithMemory(m Memory) Option {
	return func(a *Agent) {
		a.memory = m
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(source KnowledgeSource) Option {
	return func(a *Agent) {
		a.knowledge = source
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout < 0 {
			timeout = 0
		}
		a.llmTimeout = timeout
	}
}

// WithMaxIterations 设置全局默认的最大模型往返次数。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// New 创建一个 Agent。工具按配置中的插件从注册表筛选。
func New(cfg config.JsonConfig, llmClient llm.Client, registry *tool.Registry, opts ...Option) (*Agent, error) {
	explicitIterations := cfg.MaxIterations > 0
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	ag := &Agent{
		cfg:       cfg,
		llmClient: llmClient,
		registry:  registry,
		log:       logger.Named("agent").With(slog.String("agent_id", cfg.ID)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if !explicitIterations && ag.maxIterations > 0 {
		ag.cfg.MaxIterations = ag.maxIterations
	}
	ag.tools = registry.Filter(cfg.Plugins...)
	ag.allowed = make(map[string]struct{}, len(ag.tools))
	for _, t := range ag.tools {
		ag.allowed[t.Name] = struct{}{}
	}
	if len(ag.tools) == 0 {
		ag.log.Warn("智能体没有可用工具", slog.Any("plugins", cfg.Plugins))
	}
	return ag, nil
}

// ID 返回智能体 ID。
func (a *Agent) ID() string { return a.cfg.ID }

// Config 返回校验后的配置副本。
func (a *Agent) Config() config.JsonConfig { return a.cfg }

// Tools 返回智能体可用的工具描述。
func (a *Agent) Tools() []tool.Definition {
	defs := make([]tool.Definition, 0, len(a.tools))
	for _, t := range a.tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Execute 同步执行一次请求，返回最终回答。
func (a *Agent) Execute(ctx context.Context, req Request) (*Result, error) {
	return a.run(ctx, req, nil)
}

// Stream 与 Execute 相同，但会把过程事件推送给 sink。失败时先推送 error 事件再返回错误。
func (a *Agent) Stream(ctx context.Context, req Request, sink EventSink) (*Result, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	res, err := a.run(ctx, req, sink)
	if err != nil && sink != nil {
		_ = sink.Emit(context.WithoutCancel(ctx), Event{
			Type:           EventError,
			AgentID:        a.ID(),
			ConversationID: req.ConversationID,
			Content:        xerrors.PublicMessage(err),
			Code:           xerrors.CodeOf(err),
			Timestamp:      nowMillis(),
		})
	}
	return res, err
}

func (a *Agent) run(ctx context.Context, req Request, sink EventSink) (result *Result, err error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "输入不能为空")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	account := strings.TrimSpace(req.Account)
	if account == "" {
		account = a.cfg.Account
	}

	ctx, span := tracing.Tracer().Start(ctx, "agent.execute")
	span.SetAttributes(
		attribute.String("agent.id", a.ID()),
		attribute.String("conversation.id", req.ConversationID),
	)
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
			if xerrors.CodeOf(err) == xerrors.CodeAgentIterations {
				outcome = "iterations"
			}
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.ObserveAgentRun(a.ID(), outcome)
	}()

	emit := func(ev Event) error {
		if sink == nil {
			return nil
		}
		ev.AgentID = a.ID()
		ev.ConversationID = req.ConversationID
		ev.Timestamp = nowMillis()
		if err := sink.Emit(ctx, ev); err != nil {
			return xerrors.FromContext(err, xerrors.CodeExecutorFailure, "推送事件失败")
		}
		return nil
	}

	history, err := a.loadHistory(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	messages := []llm.Message{{Role: llm.RoleSystem, Content: a.cfg.SystemPrompt()}}
	if snippets := a.collectKnowledge(ctx, input); len(snippets) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Relevant knowledge:\n- " + strings.Join(snippets, "\n- "),
		})
	}
	messages = append(messages, history...)

	user := llm.Message{Role: llm.RoleUser, Content: input}
	messages = append(messages, user)
	pending := []llm.Message{user}

	defs := a.toolDefinitions()
	env := tool.Env{AgentID: a.ID(), ConversationID: req.ConversationID, Account: account, Chain: a.cfg.Chain}
	result = &Result{AgentID: a.ID(), ConversationID: req.ConversationID}

	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.FromContext(err, xerrors.CodeExecutorFailure, "智能体执行被中断")
		}
		if err := emit(Event{Type: EventThinking, Iteration: iteration}); err != nil {
			return nil, err
		}

		resp, err := a.chat(ctx, messages, defs)
		if err != nil {
			return nil, err
		}
		msg := resp.Message
		if msg.Role == "" {
			msg.Role = llm.RoleAssistant
		}
		messages = append(messages, msg)
		pending = append(pending, msg)
		result.Iterations = iteration
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens

		if len(msg.ToolCalls) == 0 {
			result.Output = msg.Content
			if err := a.remember(ctx, req.ConversationID, pending); err != nil {
				return nil, err
			}
			if err := emit(Event{Type: EventAnswer, Iteration: iteration, Content: msg.Content}); err != nil {
				return nil, err
			}
			return result, nil
		}

		for _, call := range msg.ToolCalls {
			if err := emit(Event{Type: EventToolCall, Iteration: iteration, Tool: call.Name, CallID: call.ID, Arguments: argumentsJSON(call.Arguments)}); err != nil {
				return nil, err
			}
			res := a.invoke(ctx, env, call)
			result.ToolCalls = append(result.ToolCalls, ToolInvocation{CallID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: res})
			if err := emit(Event{Type: EventToolResult, Iteration: iteration, Tool: call.Name, CallID: call.ID, Result: &res}); err != nil {
				return nil, err
			}
			toolMsg := llm.Message{Role: llm.RoleTool, Content: res.JSON(), ToolCallID: call.ID, Name: call.Name}
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}
	}

	if err := a.remember(ctx, req.ConversationID, pending); err != nil {
		a.log.Warn("保存会话失败", slog.String("conversation_id", req.ConversationID), slog.Any("error", err))
	}
	return nil, xerrors.New(xerrors.CodeAgentIterations,
		fmt.Sprintf("智能体 %s 超过 %d 轮仍未给出回答", a.ID(), a.cfg.MaxIterations),
		xerrors.WithMetadata("agent_id", a.ID()),
	)
}

// chat 调用模型并把超时统一为 CodeTimeout。
func (a *Agent) chat(ctx context.Context, messages []llm.Message, defs []llm.ToolDefinition) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Chat(llmCtx, llm.Request{Messages: messages, Tools: defs})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(llmCtx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeModelFailure, "大模型返回为空")
	}
	return resp, nil
}

// invoke 只允许调用本智能体插件内的工具，失败以 Result 返回给模型。
func (a *Agent) invoke(ctx context.Context, env tool.Env, call llm.ToolCall) tool.Result {
	if _, ok := a.allowed[call.Name]; !ok {
		return tool.Failuref(xerrors.CodeToolNotFound, "tool %s is not available to agent %s", call.Name, a.ID())
	}
	return a.registry.Invoke(ctx, env, call.Name, []byte(call.Arguments))
}

func (a *Agent) toolDefinitions() []llm.ToolDefinition {
	if len(a.tools) == 0 {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(a.tools))
	for _, t := range a.tools {
		d := t.Definition()
		defs = append(defs, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return defs
}

func (a *Agent) memoryEnabled() bool {
	return a.memory != nil && a.cfg.Memory.Enabled
}

// loadHistory 加载会话历史。会话属于其他智能体时返回 CodeForbidden，
// 其他读取失败只记录日志，按新会话继续。
func (a *Agent) loadHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	if !a.memoryEnabled() {
		return nil, nil
	}
	history, err := a.memory.Load(ctx, a.ID(), conversationID, a.cfg.Memory.ShortTermDepth)
	if xerrors.CodeOf(err) == xerrors.CodeForbidden {
		return nil, err
	}
	if err != nil {
		a.log.Warn("加载会话历史失败", slog.String("conversation_id", conversationID), slog.Any("error", err))
		return nil, nil
	}
	return trimHistory(history), nil
}

func (a *Agent) remember(ctx context.Context, conversationID string, msgs []llm.Message) error {
	if !a.memoryEnabled() || len(msgs) == 0 {
		return nil
	}
	if err := a.memory.Append(ctx, a.ID(), conversationID, msgs...); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return nil
}

// collectKnowledge 检索与输入相关的片段，检索失败不影响执行。
func (a *Agent) collectKnowledge(ctx context.Context, input string) []string {
	if a.knowledge == nil {
		return nil
	}
	snippets, err := a.knowledge.Retrieve(ctx, a.ID(), input)
	if err != nil {
		a.log.Warn("检索知识失败", slog.Any("error", err))
		return nil
	}
	out := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
