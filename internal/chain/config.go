package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type 表示链的协议族。
type Type string

const (
	TypeStarknet Type = "starknet"
	TypeEVM      Type = "evm"
)

// Definitions 对应 chains.yaml 的结构。
type Definitions struct {
	Default string                `yaml:"default"`
	Chains  map[string]Definition `yaml:"chains"`
}

// Definition 描述单条链的节点信息。
type Definition struct {
	Type        Type   `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	BatchRPCURL string `yaml:"batch_rpc_url"`
	Description string `yaml:"description"`
}

// LoadDefinitions 解析链定义文件。路径为空时返回空定义。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions 解析 YAML 内容并规范化链类型。
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for name, def := range defs.Chains {
		switch Type(strings.ToLower(strings.TrimSpace(string(def.Type)))) {
		case "", TypeStarknet:
			def.Type = TypeStarknet
		case TypeEVM, "ethereum":
			def.Type = TypeEVM
		default:
			return Definitions{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			return Definitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		defs.Chains[name] = def
	}
	return defs, nil
}

// Snapshot 是链的概要信息。
type Snapshot struct {
	Chain       string `json:"chain"`
	Type        Type   `json:"type"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}
