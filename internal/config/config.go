package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"starknet-agent-kit/pkg/logger"
)

// DefaultPath 是未设置 STARKAGENT_CONFIG 时使用的配置文件路径。
var DefaultPath = filepath.Join("configs", "starkagent.json")

// Config 描述了 starkagentd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Chains    ChainsConfig    `json:"chains"`
	Plugins   PluginsConfig   `json:"plugins"`
	Ingest    IngestConfig    `json:"ingest"`
	Agents    AgentsConfig    `json:"agents"`
	Tracing   TracingConfig   `json:"tracing"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制网关的监听地址以及可选的 WebSocket / MCP 入口。
type ServerConfig struct {
	Address            string `json:"address" env:"STARKAGENT_ADDRESS"`
	WebSocket          bool   `json:"websocket" env:"STARKAGENT_WEBSOCKET"`
	MCP                bool   `json:"mcp" env:"STARKAGENT_MCP"`
	ReadTimeoutSeconds int    `json:"read_timeout_seconds"`
	ToolCacheSize      int    `json:"tool_cache_size"`
	ToolCacheTTLSecond int    `json:"tool_cache_ttl_seconds"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string             `json:"level" env:"STARKAGENT_LOG_LEVEL"`
	Format      string             `json:"format" env:"STARKAGENT_LOG_FORMAT"`
	OutputPaths []string           `json:"output_paths"`
	Audit       logger.AuditConfig `json:"audit"`
}

// LoggerConfig 转换为 pkg/logger 的初始化参数。
func (c LoggingConfig) LoggerConfig(service string) logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.OutputPaths,
		Service:     service,
		Audit:       c.Audit,
	}
}

// AuthConfig 描述网关鉴权方式。
type AuthConfig struct {
	Mode    string    `json:"mode" env:"STARKAGENT_AUTH_MODE"`
	APIKeys []string  `json:"api_keys" env:"STARKAGENT_API_KEYS" envSeparator:","`
	JWT     JWTConfig `json:"jwt"`
}

// JWTConfig 描述 HMAC 签名的 Bearer Token 校验参数。
type JWTConfig struct {
	Secret   string `json:"secret" env:"STARKAGENT_JWT_SECRET"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
}

// StorageConfig 统一描述 SQL 与 Redis 的连接信息。
type StorageConfig struct {
	Database DatabaseCredentials `json:"database"`
	Redis    RedisConfig         `json:"redis"`
	// TaskStore 为 memory 时任务仅保存在进程内，为 sql 时复用 Database。
	TaskStore string `json:"task_store" env:"STARKAGENT_TASK_STORE"`
}

// DatabaseCredentials 描述 SQL 数据库的连接凭据。
type DatabaseCredentials struct {
	Driver                 string `json:"driver" env:"STARKAGENT_DB_DRIVER"`
	Host                   string `json:"host" env:"STARKAGENT_DB_HOST"`
	Port                   int    `json:"port" env:"STARKAGENT_DB_PORT"`
	User                   string `json:"user" env:"STARKAGENT_DB_USER"`
	Password               string `json:"password" env:"STARKAGENT_DB_PASSWORD"`
	Database               string `json:"database" env:"STARKAGENT_DB_NAME"`
	DSN                    string `json:"dsn" env:"STARKAGENT_DB_DSN"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// Enabled 判断是否配置了 SQL 存储。
func (c DatabaseCredentials) Enabled() bool {
	return strings.TrimSpace(c.Driver) != "" && c.Driver != "none"
}

// RedisConfig 描述缓存、互斥锁以及 Redis 队列共享的连接。
type RedisConfig struct {
	Address   string `json:"address" env:"STARKAGENT_REDIS_ADDRESS"`
	Password  string `json:"password" env:"STARKAGENT_REDIS_PASSWORD"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// Enabled 判断是否配置了 Redis。
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Address) != ""
}

// TaskQueueConfig 描述任务队列的实现与消费参数。
// LeaseSeconds 是执行租约，超时未续租的运行中任务会被回收重投。
type TaskQueueConfig struct {
	Driver       string         `json:"driver" env:"STARKAGENT_QUEUE_DRIVER"`
	Worker       int            `json:"worker"`
	MaxRetries   int            `json:"max_retries"`
	Buffer       int            `json:"buffer"`
	LeaseSeconds int            `json:"lease_seconds"`
	Redis        RedisQueue     `json:"redis"`
	RabbitMQ     RabbitMQConfig `json:"rabbitmq"`
}

// RedisQueue 描述 Redis 列表队列的参数，连接复用 storage.redis。
type RedisQueue struct {
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" env:"STARKAGENT_RABBITMQ_URL"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" env:"STARKAGENT_LLM_PROVIDER"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述兼容 OpenAI Chat Completions 协议的服务。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" env:"STARKAGENT_OPENAI_API_KEY"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url" env:"STARKAGENT_OPENAI_BASE_URL"`
	Model          string  `json:"model" env:"STARKAGENT_OPENAI_MODEL"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Timeout 返回单次模型调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取 APIKeyEnv 指定的环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// ChainsConfig 描述链节点定义文件以及默认链。
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
	Default         string `json:"default" env:"STARKAGENT_DEFAULT_CHAIN"`
	// StarknetRPC 与 EthereumRPC 在未提供定义文件时作为快捷配置。
	StarknetRPC string `json:"starknet_rpc" env:"STARKAGENT_STARKNET_RPC"`
	EthereumRPC string `json:"ethereum_rpc" env:"STARKAGENT_ETHEREUM_RPC"`
}

// PluginsConfig 指向插件管理器的 YAML 配置。
type PluginsConfig struct {
	ConfigPath string `json:"config_path"`
}

// IngestConfig 描述文件入库流水线。
type IngestConfig struct {
	ChunkSize           int      `json:"chunk_size"`
	ChunkOverlap        int      `json:"chunk_overlap"`
	MaxFileMB           int      `json:"max_file_mb"`
	AllowedMIMETypes    []string `json:"allowed_mime_types"`
	Embedder            string   `json:"embedder" env:"STARKAGENT_EMBEDDER"`
	EmbeddingModel      string   `json:"embedding_model"`
	EmbeddingDimensions int      `json:"embedding_dimensions"`
	EmbeddingBatch      int      `json:"embedding_batch"`
	EmbeddingCacheSize  int      `json:"embedding_cache_size"`
	VectorStorePath     string   `json:"vector_store_path"`
	CompressVectors     bool     `json:"compress_vectors"`
	ContentTTLSeconds   int      `json:"content_ttl_seconds"`
	LockTTLSeconds      int      `json:"lock_ttl_seconds"`
	TopK                int      `json:"top_k"`
}

// AgentsConfig 描述智能体配置目录。
type AgentsConfig struct {
	Dir           string `json:"dir" env:"STARKAGENT_AGENTS_DIR"`
	MaxIterations int    `json:"max_iterations"`
	Autonomous    bool   `json:"autonomous"`
}

// TracingConfig 描述 OpenTelemetry 导出参数。
type TracingConfig struct {
	Endpoint    string `json:"endpoint" env:"STARKAGENT_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name"`
}

// AlertingConfig 描述告警 Webhook。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" env:"STARKAGENT_ALERT_WEBHOOK"`
	Channel    string `json:"channel"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" env:"STARKAGENT_DATA_DIR"`
}

// PathFromEnv 返回 STARKAGENT_CONFIG 指定的配置路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv("STARKAGENT_CONFIG")); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加 STARKAGENT_* 环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default 返回只由环境变量和默认值构成的配置，供 CLI 在没有配置文件时使用。
func Default() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	cfg.applyDefaults(wd)
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	orDefault := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	orDefault(&c.Server.ReadTimeoutSeconds, 30)
	orDefault(&c.Server.ToolCacheSize, 256)
	orDefault(&c.Server.ToolCacheTTLSecond, 15)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(c.Logging.Audit.Path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(c.Runtime.DataDir)
	}

	db := &c.Storage.Database
	if db.Driver == "sqlite" && db.DSN == "" && db.Database == "" {
		db.Database = filepath.Join(c.Runtime.DataDir, "starkagent.db")
	}
	orDefault(&db.MaxOpenConns, 10)
	orDefault(&db.MaxIdleConns, 5)
	orDefault(&db.ConnMaxLifetimeSeconds, 300)
	orDefault(&db.ConnMaxIdleTimeSeconds, 60)
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "starkagent:"
	}
	if c.Storage.TaskStore == "" {
		if db.Enabled() {
			c.Storage.TaskStore = "sql"
		} else {
			c.Storage.TaskStore = "memory"
		}
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	orDefault(&c.TaskQueue.Worker, 2)
	orDefault(&c.TaskQueue.MaxRetries, 3)
	orDefault(&c.TaskQueue.Buffer, 1024)
	orDefault(&c.TaskQueue.LeaseSeconds, 300)
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "starkagent:tasks"
	}
	orDefault(&c.TaskQueue.Redis.BlockWaitSeconds, 5)
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "starkagent.tasks"
	}
	orDefault(&c.TaskQueue.RabbitMQ.Prefetch, 1)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	c.Chains.DefinitionsPath = resolve(c.Chains.DefinitionsPath)
	c.Plugins.ConfigPath = resolve(c.Plugins.ConfigPath)

	in := &c.Ingest
	orDefault(&in.ChunkSize, 512)
	if in.ChunkOverlap <= 0 || in.ChunkOverlap >= in.ChunkSize {
		in.ChunkOverlap = in.ChunkSize / 8
	}
	orDefault(&in.MaxFileMB, 10)
	if len(in.AllowedMIMETypes) == 0 {
		in.AllowedMIMETypes = []string{"text/plain", "text/markdown", "text/csv", "application/json"}
	}
	if in.Embedder == "" {
		in.Embedder = "hash"
	}
	if in.EmbeddingModel == "" {
		in.EmbeddingModel = "text-embedding-3-small"
	}
	orDefault(&in.EmbeddingDimensions, 256)
	orDefault(&in.EmbeddingBatch, 32)
	orDefault(&in.EmbeddingCacheSize, 4096)
	if in.VectorStorePath == "" {
		in.VectorStorePath = filepath.Join(c.Runtime.DataDir, "vectors")
	} else {
		in.VectorStorePath = resolve(in.VectorStorePath)
	}
	orDefault(&in.ContentTTLSeconds, 3600)
	orDefault(&in.LockTTLSeconds, 120)
	orDefault(&in.TopK, 4)

	if c.Agents.Dir == "" {
		c.Agents.Dir = filepath.Join(baseDir, "agents")
	} else {
		c.Agents.Dir = resolve(c.Agents.Dir)
	}
	orDefault(&c.Agents.MaxIterations, DefaultMaxIterations)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "starkagentd"
	}
}
