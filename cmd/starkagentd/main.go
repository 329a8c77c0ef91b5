package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"starknet-agent-kit/internal/api"
	"starknet-agent-kit/internal/app"
	"starknet-agent-kit/internal/auth"
	"starknet-agent-kit/internal/config"
	"starknet-agent-kit/internal/mcpserver"
	"starknet-agent-kit/internal/observability/tracing"
	"starknet-agent-kit/internal/storage/sqlstore"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
)

// version 在构建时通过 -ldflags 注入。
var version = "dev"

// main 是 Starknet Agent Kit 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("starkagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.LoggerConfig("starkagentd")); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.L()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			lg.Warn("关闭链路追踪失败", slog.Any("error", err))
		}
	}()

	rt, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			lg.Warn("释放运行时资源失败", slog.Any("error", err))
		}
	}()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go func() {
		if err := rt.Processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	if cfg.Agents.Autonomous {
		go func() {
			if err := rt.Agents.RunAutonomous(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("自主模式退出", slog.Any("error", err))
			}
		}()
	}

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithRegistry(rt.Registry),
		api.WithAgents(rt.Agents),
		api.WithTasks(rt.Tasks),
		api.WithIngest(rt.Uploads),
		api.WithAuth(authService),
		api.WithWebSocket(cfg.Server.WebSocket),
		api.WithReadTimeout(time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second),
		api.WithToolEnv(tool.Env{AgentID: "api", Chain: rt.Chains.Default()}),
	}
	if rt.DB != nil {
		opts = append(opts, api.WithHistory(sqlstore.NewConversations(rt.DB), sqlstore.NewMessages(rt.DB)))
	}
	if cfg.Server.MCP {
		mcpServer, err := mcpserver.New(rt.Registry, mcpserver.WithVersion(version))
		if err != nil {
			return err
		}
		opts = append(opts, api.WithMCPHandler(mcpServer.Handler()))
		lg.Info("MCP 端点已启用", slog.Int("tools", len(mcpServer.ToolNames())))
	}

	server := api.NewServer(cfg.Server.Address, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
