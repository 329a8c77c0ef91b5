package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	xerrors "starknet-agent-kit/internal/errors"
)

// Status 是工具执行结果的状态。
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result 是工具执行的统一返回结构，序列化后直接作为模型可见的工具输出。
type Result struct {
	Status Status       `json:"status"`
	Data   any          `json:"data,omitempty"`
	Error  string       `json:"error,omitempty"`
	Code   xerrors.Code `json:"code,omitempty"`
}

// Success 包装成功结果。
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Failure 包装失败结果，保留统一错误码。
func Failure(err error) Result {
	if err == nil {
		return Result{Status: StatusFailure, Error: "unknown error", Code: xerrors.CodeUnknown}
	}
	res := Result{Status: StatusFailure, Error: err.Error()}
	if e, ok := xerrors.From(err); ok {
		res.Code = e.Code()
		res.Error = e.Message()
		if cause := e.Unwrap(); cause != nil {
			res.Error = fmt.Sprintf("%s: %v", e.Message(), cause)
		}
	}
	return res
}

// Failuref 以格式化描述构造失败结果。
func Failuref(code xerrors.Code, format string, args ...any) Result {
	return Result{Status: StatusFailure, Error: fmt.Sprintf(format, args...), Code: code}
}

// OK 判断结果是否成功。
func (r Result) OK() bool { return r.Status == StatusSuccess }

// JSON 返回结果的 JSON 字符串。
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(Result{Status: StatusFailure, Error: "encode result: " + err.Error()})
		return string(fallback)
	}
	return string(data)
}

// Kind 区分是否需要账户上下文的工具。
type Kind string

const (
	// KindSignature 工具只读取公共数据，不需要账户。
	KindSignature Kind = "signature"
	// KindStarknet 工具代表智能体账户执行，调用时必须提供账户地址。
	KindStarknet Kind = "starknet"
)

// Env 是单次调用的执行环境。
type Env struct {
	AgentID        string
	ConversationID string
	Account        string
	Chain          string
}

// Func 是工具的执行函数，参数为已校验的原始 JSON。
type Func func(ctx context.Context, env Env, args json.RawMessage) (any, error)

// Tool 是注册表中的一项。
type Tool struct {
	Name        string
	Description string
	Plugin      string
	Kind        Kind
	Schema      *jsonschema.Schema
	// ReadOnly 的工具结果允许进入结果缓存。
	ReadOnly bool
	Execute  Func

	buildErr error
}

// Definition 是暴露给模型函数调用的工具描述。
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Plugin      string          `json:"plugin,omitempty"`
	Kind        Kind            `json:"kind"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Definition 生成工具描述。
func (t Tool) Definition() Definition {
	params := json.RawMessage(`{"type":"object"}`)
	if t.Schema != nil {
		if data, err := json.Marshal(t.Schema); err == nil {
			params = data
		}
	}
	kind := t.Kind
	if kind == "" {
		kind = KindSignature
	}
	return Definition{
		Name:        t.Name,
		Description: t.Description,
		Plugin:      t.Plugin,
		Kind:        kind,
		Parameters:  params,
	}
}

// Option 调整 Typed 构造的工具。
type Option func(*Tool)

// WithAccount 将工具标记为需要账户的 StarknetTool。
func WithAccount() Option {
	return func(t *Tool) { t.Kind = KindStarknet }
}

// ReadOnly 允许缓存工具结果。
func ReadOnly() Option {
	return func(t *Tool) { t.ReadOnly = true }
}

// InPlugin 设置工具所属插件。
func InPlugin(id string) Option {
	return func(t *Tool) { t.Plugin = id }
}

// Typed 根据参数类型 P 推导 JSON Schema，并在执行时完成反序列化。
func Typed[P, R any](name, description string, fn func(ctx context.Context, env Env, params P) (R, error), opts ...Option) Tool {
	schema, err := jsonschema.For[P](nil)
	t := Tool{
		Name:        name,
		Description: description,
		Kind:        KindSignature,
		Schema:      schema,
	}
	if err != nil {
		t.buildErr = fmt.Errorf("infer schema for %s: %w", name, err)
	}
	t.Execute = func(ctx context.Context, env Env, args json.RawMessage) (any, error) {
		var params P
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数解析失败")
			}
		}
		return fn(ctx, env, params)
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}
