package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"starknet-agent-kit/internal/agent"
	"starknet-agent-kit/internal/app"
	"starknet-agent-kit/internal/config"
	"starknet-agent-kit/internal/mcpserver"
	"starknet-agent-kit/internal/tool"
	"starknet-agent-kit/pkg/logger"
)

var version = "dev"

// cli 保存全局参数。
type cli struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "starkagent",
		Short:         "Starknet agent toolkit command line",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config-file", "c", "", "path to starkagent.json (defaults to $STARKAGENT_CONFIG)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newToolsCommand(c),
		newRunCommand(c),
		newIngestCommand(c),
		newMCPCommand(c),
	)
	return root
}

// loadConfig 读取配置文件；未指定且默认路径不存在时只使用环境变量。
func (c *cli) loadConfig() (*config.Config, error) {
	path := c.configPath
	if path == "" {
		path = config.PathFromEnv()
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	// stdout 留给命令输出与 MCP 协议帧。
	cfg.Logging.OutputPaths = []string{"stderr"}
	if err := logger.Init(cfg.Logging.LoggerConfig("starkagent")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) runtime(ctx context.Context, opts app.Options) (*app.Runtime, func(), error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rt, err := app.Build(ctx, cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return rt, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
		_ = logger.Sync()
	}, nil
}

func newToolsCommand(c *cli) *cobra.Command {
	var (
		plugins []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, done, err := c.runtime(cmd.Context(), app.Options{SkipLLM: true})
			if err != nil {
				return err
			}
			defer done()

			tools := rt.Registry.Filter(plugins...)
			out := cmd.OutOrStdout()
			if asJSON {
				defs := make([]tool.Definition, 0, len(tools))
				for _, t := range tools {
					defs = append(defs, t.Definition())
				}
				return writeJSON(out, defs)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPLUGIN\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Plugin, t.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&plugins, "plugin", "p", nil, "only list tools of these plugins")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tool definitions as JSON")
	return cmd
}

func newRunCommand(c *cli) *cobra.Command {
	var (
		agentPath      string
		input          string
		conversationID string
		account        string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one request against an agent config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("--input 不能为空")
			}
			agentCfg, err := config.LoadAgentConfig(agentPath)
			if err != nil {
				return err
			}
			rt, done, err := c.runtime(cmd.Context(), app.Options{SkipAgents: true})
			if err != nil {
				return err
			}
			defer done()

			ag, err := agent.New(agentCfg, rt.LLM, rt.Registry, rt.AgentOptions()...)
			if err != nil {
				return err
			}
			res, err := ag.Execute(cmd.Context(), agent.Request{
				ConversationID: conversationID,
				Input:          input,
				Account:        account,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&agentPath, "config", "", "agent config JSON file")
	cmd.Flags().StringVarP(&input, "input", "i", "", "user request")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&account, "account", "", "account address used by tools")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newIngestCommand(c *cli) *cobra.Command {
	var (
		agentID string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a file into an agent's knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			rt, err := app.Build(ctx, cfg, app.Options{
				SkipLLM:    !strings.EqualFold(cfg.Ingest.Embedder, "openai"),
				SkipAgents: true,
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = rt.Close(context.WithoutCancel(ctx))
				_ = logger.Sync()
			}()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			workerCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { _ = rt.Processor.Start(workerCtx) }()

			upload, err := rt.Uploads.Upload(ctx, agentID, filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			waitCtx, cancelWait := context.WithTimeout(ctx, wait)
			defer cancelWait()
			t, err := rt.Tasks.WaitUntilCompleted(waitCtx, upload.TaskID, 100*time.Millisecond)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"upload": upload,
				"task":   t,
				"chunks": rt.Vectors.Count(agentID),
			})
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id that owns the file")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for ingestion")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newMCPCommand(c *cli) *cobra.Command {
	var (
		plugins []string
		env     tool.Env
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool registry as an MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, done, err := c.runtime(cmd.Context(), app.Options{SkipLLM: true})
			if err != nil {
				return err
			}
			defer done()

			if env.AgentID == "" {
				env.AgentID = "mcp"
			}
			srv, err := mcpserver.New(rt.Registry,
				mcpserver.WithPlugins(plugins...),
				mcpserver.WithEnv(env),
				mcpserver.WithVersion(version),
			)
			if err != nil {
				return err
			}
			logger.L().Info("MCP stdio 服务启动", "tools", len(srv.ToolNames()))
			return srv.ServeStdio(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVarP(&plugins, "plugin", "p", nil, "only expose tools of these plugins")
	cmd.Flags().StringVar(&env.Account, "account", "", "account address passed to tools")
	cmd.Flags().StringVar(&env.Chain, "chain", "", "default chain for tools")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
