// Package mcpserver 将工具注册表以 Model Context Protocol 的形式对外暴露，
// 支持 stdio 与 Streamable HTTP 两种传输。
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
)

// DefaultName 是握手时上报的服务名称。
const DefaultName = "starknet-agent-kit"

// Server 把注册表中的工具逐个挂载到 MCP 服务上。
type Server struct {
	registry *tool.Registry
	server   *mcp.Server
	env      tool.Env
	plugins  []string
	version  string
	log      *slog.Logger
	tools    []string
}

// Option 定制 MCP 服务。
type Option func(*Server)

// WithEnv 指定工具调用时使用的环境，例如默认账户地址。
func WithEnv(env tool.Env) Option {
	return func(s *Server) { s.env = env }
}

// WithPlugins 只暴露指定插件的工具。
func WithPlugins(plugins ...string) Option {
	return func(s *Server) { s.plugins = append(s.plugins, plugins...) }
}

// WithVersion 设置握手时上报的版本号。
func WithVersion(version string) Option {
	return func(s *Server) {
		if strings.TrimSpace(version) != "" {
			s.version = version
		}
	}
}

// New 构建 MCP 服务并注册工具。
func New(registry *tool.Registry, opts ...Option) (*Server, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工具注册表未初始化")
	}
	s := &Server{
		registry: registry,
		version:  "dev",
		log:      logger.Named("mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.env.AgentID == "" {
		s.env.AgentID = "mcp"
	}
	s.server = mcp.NewServer(&mcp.Implementation{Name: DefaultName, Version: s.version}, nil)
	for _, t := range registry.Filter(s.plugins...) {
		s.server.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema(t.Schema),
		}, s.handler(t.Name))
		s.tools = append(s.tools, t.Name)
	}
	s.log.Info("MCP 工具已注册", slog.Int("count", len(s.tools)))
	return s, nil
}

// ToolNames 返回已挂载的工具名。
func (s *Server) ToolNames() []string {
	return append([]string(nil), s.tools...)
}

// MCP 返回底层的 SDK 服务实例。
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Handler 返回 Streamable HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// ServeStdio 在标准输入输出上运行 MCP 会话，直到上下文结束或对端断开。
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info("MCP stdio 会话启动")
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "MCP 会话异常结束")
	}
	return nil
}

// Connect 在任意传输上建立服务端会话。
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args []byte
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		res := s.registry.Invoke(ctx, s.env, name, args)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: res.JSON()}},
			IsError: !res.OK(),
		}, nil
	}
}

// inputSchema 保证 MCP 要求的 object 类型顶层结构。
func inputSchema(schema *jsonschema.Schema) *jsonschema.Schema {
	if schema == nil || schema.Type != "object" {
		return &jsonschema.Schema{Type: "object"}
	}
	return schema
}
