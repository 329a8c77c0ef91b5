package api

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"starknet-agent-kit/internal/agent"
	"starknet-agent-kit/internal/auth"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/task"
	"starknet-agent-kit/internal/tool"
)

// invokeRequest 是直接调用工具的请求体。
type invokeRequest struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Account   string          `json:"account,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
}

// agentSummary 是 /api/v1/agents 中的一项。
type agentSummary struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Mode    string            `json:"mode"`
	Plugins []string          `json:"plugins"`
	Tools   []tool.Definition `json:"tools"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, unavailable("工具注册表"))
		return
	}
	var plugins []string
	if raw := strings.TrimSpace(r.URL.Query().Get("plugin")); raw != "" {
		plugins = strings.Split(raw, ",")
	}
	tools := s.registry.Filter(plugins...)
	defs := make([]tool.Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs})
}

// handleInvokeTool 直接调用工具。工具失败仍返回 200，结果体中 status 为 failure。
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, unavailable("工具注册表"))
		return
	}
	name := r.PathValue("name")
	if _, ok := s.registry.Get(name); !ok {
		writeError(w, xerrors.New(xerrors.CodeToolNotFound, "工具不存在: "+name))
		return
	}
	var req invokeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	env := s.env
	if req.Account != "" {
		env.Account = req.Account
	}
	if req.AgentID != "" {
		env.AgentID = req.AgentID
	}
	s.log.Info("直接调用工具",
		slog.String("tool", name),
		slog.String("caller", auth.CallerID(r.Context())),
		slog.String("agent_id", env.AgentID),
	)
	writeJSON(w, http.StatusOK, s.registry.Invoke(r.Context(), env, name, req.Arguments))
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	if s.agents == nil {
		writeError(w, unavailable("智能体管理器"))
		return
	}
	agents := s.agents.List()
	out := make([]agentSummary, 0, len(agents))
	for _, ag := range agents {
		cfg := ag.Config()
		out = append(out, agentSummary{
			ID:      ag.ID(),
			Name:    cfg.Name,
			Mode:    cfg.Mode,
			Plugins: cfg.Plugins,
			Tools:   ag.Tools(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleAgentRequest 同步执行请求；?async=true 时改为提交 agent.run 任务。
func (s *Server) handleAgentRequest(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, unavailable("智能体管理器"))
		return
	}
	ag, err := s.agents.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req agent.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if s.tasks == nil {
			writeError(w, unavailable("任务服务"))
			return
		}
		submitted, err := s.tasks.Submit(r.Context(), task.SubmitRequest{
			Kind:    agent.RunTaskKind,
			AgentID: ag.ID(),
			Payload: map[string]any{
				"conversation_id": req.ConversationID,
				"input":           req.Input,
				"account":         req.Account,
			},
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitted)
		return
	}

	res, err := ag.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUpload 以流式方式读取 multipart 中名为 file 的部分并交给 ingest 服务。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		writeError(w, unavailable("文件摄取服务"))
		return
	}
	agentID := r.PathValue("id")
	if s.agents != nil {
		if _, err := s.agents.Get(agentID); err != nil {
			writeError(w, err)
			return
		}
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeError(w, xerrors.New(xerrors.CodeUnsupportedMedia, "请求必须为 multipart/form-data"))
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "multipart 解析失败"))
		return
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 file 字段"))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		upload, err := s.uploads.Upload(r.Context(), agentID, part.FileName(), part)
		_ = part.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, upload)
		return
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("任务服务"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	submitted, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("任务服务"))
		return
	}
	tasks, err := s.tasks.List(r.Context(), listOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("任务服务"))
		return
	}
	stats, err := s.tasks.Stats(r.Context(), listOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("任务服务"))
		return
	}
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		writeError(w, unavailable("会话存储"))
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空"))
		return
	}
	rows, err := s.conversations.ListByAgent(r.Context(), agentID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": rows})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil || s.messages == nil {
		writeError(w, unavailable("会话存储"))
		return
	}
	id := r.PathValue("id")
	if _, err := s.conversations.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.messages.ListRecent(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": rows})
}

// listOptions 将查询参数转换为任务过滤条件。
func listOptions(r *http.Request) []task.ListOption {
	q := r.URL.Query()
	opts := []task.ListOption{
		task.WithLimit(queryInt(r, "limit", task.DefaultListLimit)),
		task.WithOffset(queryInt(r, "offset", 0)),
	}
	if raw := q.Get("status"); raw != "" {
		opts = append(opts, task.WithStatuses(task.ParseStatuses(raw)...))
	}
	if raw := q.Get("kind"); raw != "" {
		opts = append(opts, task.WithKinds(strings.Split(raw, ",")...))
	}
	if agentID := q.Get("agent_id"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
