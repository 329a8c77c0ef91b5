package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "starknet-agent-kit/internal/errors"
)

// AutonomousPrompt 是自治模式下每一轮发送的输入。
func AutonomousPrompt(objectives []string) string {
	var b strings.Builder
	b.WriteString("Work towards your objectives. Decide on the next action, use tools when needed, and report what you did.")
	for _, o := range objectives {
		if o = strings.TrimSpace(o); o != "" {
			b.WriteString("\n- ")
			b.WriteString(o)
		}
	}
	return b.String()
}

// RunAutonomous 每隔 interval 以目标提示词执行一次，直到 ctx 结束。单轮失败只记录日志。
func (a *Agent) RunAutonomous(ctx context.Context) error {
	if a.cfg.Interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "自治模式需要设置 interval")
	}
	interval := time.Duration(a.cfg.Interval) * time.Millisecond
	conversationID := a.cfg.ChatID
	if conversationID == "" {
		conversationID = "autonomous-" + a.ID()
	}
	prompt := AutonomousPrompt(a.cfg.Objectives)

	a.log.Info("自治模式启动", slog.Duration("interval", interval), slog.String("conversation_id", conversationID))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := a.Execute(ctx, Request{ConversationID: conversationID, Input: prompt})
		switch {
		case ctx.Err() != nil:
			a.log.Info("自治模式退出")
			return nil
		case err != nil:
			a.log.Error("自治执行失败", slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
		default:
			a.log.Info("自治执行完成", slog.Int("iterations", res.Iterations), slog.Int("tool_calls", len(res.ToolCalls)))
		}

		select {
		case <-ctx.Done():
			a.log.Info("自治模式退出")
			return nil
		case <-ticker.C:
		}
	}
}
