package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	xerrors "starknet-agent-kit/internal/errors"
)

// DefaultMaxIterations 是智能体单次请求允许的最大模型往返次数。
const DefaultMaxIterations = 8

// 智能体运行模式。
const (
	ModeInteractive = "interactive"
	ModeAutonomous  = "autonomous"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// JsonConfig 是单个智能体的 JSON 配置。
type JsonConfig struct {
	ID            string       `json:"id,omitempty"`
	Name          string       `json:"name"`
	Bio           string       `json:"bio"`
	Prompt        string       `json:"prompt,omitempty"`
	Lore          []string     `json:"lore,omitempty"`
	Objectives    []string     `json:"objectives,omitempty"`
	Knowledge     []string     `json:"knowledge,omitempty"`
	Interval      int          `json:"interval,omitempty"`
	ChatID        string       `json:"chat_id,omitempty"`
	Plugins       []string     `json:"plugins"`
	Mode          string       `json:"mode,omitempty"`
	Memory        MemoryConfig `json:"memory"`
	MaxIterations int          `json:"max_iterations,omitempty"`
	// Account 为需要账户的工具提供默认地址。
	Account string `json:"account,omitempty"`
	Chain   string `json:"chain,omitempty"`
}

// MemoryConfig 控制对话记忆。
type MemoryConfig struct {
	Enabled        bool `json:"enabled"`
	ShortTermDepth int  `json:"short_term_depth,omitempty"`
}

// Validate 校验必填字段并补齐默认值。
func (c *JsonConfig) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if strings.TrimSpace(c.Bio) == "" && strings.TrimSpace(c.Prompt) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "bio 与 prompt 至少需要提供一个")
	}
	plugins := c.Plugins[:0]
	for _, p := range c.Plugins {
		if p = strings.TrimSpace(p); p != "" {
			plugins = append(plugins, p)
		}
	}
	c.Plugins = plugins
	if len(c.Plugins) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugins 不能为空")
	}

	switch c.Mode {
	case "":
		c.Mode = ModeInteractive
	case ModeInteractive, ModeAutonomous:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的运行模式: %s", c.Mode))
	}
	if c.Mode == ModeAutonomous && c.Interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "autonomous 模式需要设置 interval")
	}
	if c.Mode == ModeAutonomous && len(c.Objectives) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "autonomous 模式需要至少一个 objective")
	}

	if c.ID == "" {
		c.ID = strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(c.Name), "-"), "-")
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Memory.Enabled && c.Memory.ShortTermDepth <= 0 {
		c.Memory.ShortTermDepth = 10
	}
	return nil
}

// SystemPrompt 拼装发送给模型的系统提示词。
func (c JsonConfig) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", c.Name)
	if bio := strings.TrimSpace(c.Bio); bio != "" {
		b.WriteString(" ")
		b.WriteString(bio)
	}
	if prompt := strings.TrimSpace(c.Prompt); prompt != "" {
		b.WriteString("\n\n")
		b.WriteString(prompt)
	}
	writeSection(&b, "Background", c.Lore)
	writeSection(&b, "Objectives", c.Objectives)
	writeSection(&b, "Knowledge", c.Knowledge)
	if c.Account != "" {
		fmt.Fprintf(&b, "\n\nYour Starknet account address is %s.", c.Account)
	}
	b.WriteString("\n\nUse the available tools to read on-chain data. Never invent values a tool could return.")
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n\n%s:", title)
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			b.WriteString("\n- ")
			b.WriteString(item)
		}
	}
}

// ParseAgentConfig 解析并校验 JSON 内容。
func ParseAgentConfig(data []byte) (JsonConfig, error) {
	var cfg JsonConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return JsonConfig{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析智能体配置失败")
	}
	if err := cfg.Validate(); err != nil {
		return JsonConfig{}, err
	}
	return cfg, nil
}

// LoadAgentConfig 从文件读取智能体配置。
func LoadAgentConfig(path string) (JsonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JsonConfig{}, fmt.Errorf("读取智能体配置失败: %w", err)
	}
	cfg, err := ParseAgentConfig(data)
	if err != nil {
		return JsonConfig{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// LoadAgentDir 读取目录下全部 *.json 智能体配置，按 ID 排序。目录不存在时返回空列表。
func LoadAgentDir(dir string) ([]JsonConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取智能体目录失败: %w", err)
	}
	seen := make(map[string]string)
	var out []JsonConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		cfg, err := LoadAgentConfig(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[cfg.ID]; ok {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 在 %s 与 %s 中重复定义", cfg.ID, prev, entry.Name()))
		}
		seen[cfg.ID] = entry.Name()
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
