package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"starknet-agent-kit/internal/agent"
	xerrors "starknet-agent-kit/internal/errors"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
)

// wsRequest 是客户端通过 WebSocket 发送的一帧。
type wsRequest struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Input          string `json:"input"`
	Account        string `json:"account,omitempty"`
}

// wsConn 串行化写入，gorilla 连接不支持并发写。
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Emit(_ context.Context, event agent.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(event)
}

// handleWebSocket 逐帧读取请求并把智能体事件流式写回，同一连接上的请求按顺序执行。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, unavailable("智能体管理器"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sink := &wsConn{conn: conn}

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket 读取结束", slog.Any("error", err))
			}
			return
		}
		ag, err := s.agents.Get(req.AgentID)
		if err != nil {
			if emitErr := sink.Emit(ctx, errorEvent(req, err)); emitErr != nil {
				return
			}
			continue
		}
		if _, err := ag.Stream(ctx, agent.Request{
			ConversationID: req.ConversationID,
			Input:          req.Input,
			Account:        req.Account,
		}, sink); err != nil {
			s.log.Info("WebSocket 请求失败",
				slog.String("agent_id", ag.ID()),
				slog.String("code", string(xerrors.CodeOf(err))),
			)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func errorEvent(req wsRequest, err error) agent.Event {
	return agent.Event{
		Type:           agent.EventError,
		AgentID:        strings.TrimSpace(req.AgentID),
		ConversationID: req.ConversationID,
		Content:        xerrors.PublicMessage(err),
		Code:           xerrors.CodeOf(err),
		Timestamp:      time.Now().UnixMilli(),
	}
}
