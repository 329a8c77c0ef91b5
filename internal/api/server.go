package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"starknet-agent-kit/internal/agent"
	"starknet-agent-kit/internal/auth"
	"starknet-agent-kit/internal/ingest"
	"starknet-agent-kit/internal/observability/metrics"
	"starknet-agent-kit/internal/storage/sqlstore"
	"starknet-agent-kit/internal/task"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
)

// Server 负责暴露 REST、WebSocket 与 MCP 接口。
type Server struct {
	addr          string
	registry      *tool.Registry
	agents        *agent.Manager
	tasks         *task.Service
	uploads       *ingest.Service
	conversations *sqlstore.Conversations
	messages      *sqlstore.Messages
	auth          *auth.Service
	mcp           http.Handler
	env           tool.Env
	upgrader      websocket.Upgrader
	websocket     bool
	readTimeout   time.Duration
	log           *slog.Logger
}

// Option 为 Server 注入依赖。
type Option func(*Server)

// WithRegistry 注入工具注册表。
func WithRegistry(r *tool.Registry) Option { return func(s *Server) { s.registry = r } }

// WithAgents 注入智能体管理器。
func WithAgents(m *agent.Manager) Option { return func(s *Server) { s.agents = m } }

// WithTasks 注入任务服务。
func WithTasks(t *task.Service) Option { return func(s *Server) { s.tasks = t } }

// WithIngest 注入文件上传服务。
func WithIngest(i *ingest.Service) Option { return func(s *Server) { s.uploads = i } }

// WithHistory 注入会话与消息仓库。
func WithHistory(c *sqlstore.Conversations, m *sqlstore.Messages) Option {
	return func(s *Server) {
		s.conversations = c
		s.messages = m
	}
}

// WithAuth 注入认证服务，未注入时接口不做认证。
func WithAuth(a *auth.Service) Option { return func(s *Server) { s.auth = a } }

// WithMCPHandler 挂载 /mcp 处理器。
func WithMCPHandler(h http.Handler) Option { return func(s *Server) { s.mcp = h } }

// WithToolEnv 设置直接调用工具时的默认环境。
func WithToolEnv(env tool.Env) Option { return func(s *Server) { s.env = env } }

// WithWebSocket 控制是否注册 /ws，默认开启。
func WithWebSocket(enabled bool) Option { return func(s *Server) { s.websocket = enabled } }

// WithReadTimeout 设置读取请求体的超时。
func WithReadTimeout(d time.Duration) Option { return func(s *Server) { s.readTimeout = d } }

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		websocket: true,
		log:       logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())

	s.route(mux, "GET /api/v1/tools", "tools.list", auth.PermissionToolsRead, s.handleListTools)
	s.route(mux, "POST /api/v1/tools/{name}", "tools.invoke", auth.PermissionToolsInvoke, s.handleInvokeTool)
	s.route(mux, "GET /api/v1/agents", "agents.list", auth.PermissionToolsRead, s.handleListAgents)
	s.route(mux, "POST /api/v1/agents/{id}/request", "agents.request", auth.PermissionAgentsRun, s.handleAgentRequest)
	s.route(mux, "POST /api/v1/agents/{id}/files", "agents.files", auth.PermissionFilesWrite, s.handleUpload)
	s.route(mux, "POST /api/v1/tasks", "tasks.create", auth.PermissionTasksWrite, s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "tasks.list", auth.PermissionTasksRead, s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/stats", "tasks.stats", auth.PermissionTasksRead, s.handleTaskStats)
	s.route(mux, "GET /api/v1/tasks/{id}", "tasks.detail", auth.PermissionTasksRead, s.handleTaskDetail)
	s.route(mux, "GET /api/v1/conversations", "conversations.list", auth.PermissionHistoryRead, s.handleListConversations)
	s.route(mux, "GET /api/v1/conversations/{id}/messages", "conversations.messages", auth.PermissionHistoryRead, s.handleListMessages)
	if s.websocket {
		s.route(mux, "GET /ws", "ws", auth.PermissionAgentsRun, s.handleWebSocket)
	}
	if s.mcp != nil {
		mcpHandler := s.protect("mcp", auth.PermissionToolsInvoke, s.mcp)
		mux.Handle("/mcp", mcpHandler)
		mux.Handle("/mcp/", mcpHandler)
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name, perm string, h http.HandlerFunc) {
	mux.Handle(pattern, s.protect(name, perm, h))
}

// protect 组合认证与指标中间件。
func (s *Server) protect(name, perm string, h http.Handler) http.Handler {
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {perm}},
			AuditEvent:          name,
		})(h)
	}
	return s.instrument(name, h)
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
