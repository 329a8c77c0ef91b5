package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/observability/metrics"
	"starknet-agent-kit/internal/observability/tracing"
	"starknet-agent-kit/pkg/logger"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

type entry struct {
	tool     Tool
	resolved *jsonschema.Resolved
}

// Registry 保存全部已注册工具，并负责参数修复、校验与执行。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	cache *resultCache
	log   *slog.Logger
}

// RegistryOption 定义注册表的可选配置。
type RegistryOption func(*Registry)

// WithCache 为只读工具启用结果缓存。
func WithCache(cfg CacheConfig) RegistryOption {
	return func(r *Registry) {
		r.cache = newResultCache(cfg)
	}
}

// NewRegistry 创建一个空的注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools: make(map[string]*entry),
		log:   logger.Named("tool"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册一个或多个工具。任一工具不合法时整体不生效。
func (r *Registry) Register(tools ...Tool) error {
	prepared := make([]*entry, 0, len(tools))
	batch := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		e, err := prepare(t)
		if err != nil {
			return err
		}
		if _, dup := batch[t.Name]; dup {
			return xerrors.New(xerrors.CodeToolConflict, fmt.Sprintf("工具 %s 重复注册", t.Name))
		}
		batch[t.Name] = struct{}{}
		prepared = append(prepared, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range prepared {
		if _, exists := r.tools[e.tool.Name]; exists {
			return xerrors.New(xerrors.CodeToolConflict, fmt.Sprintf("工具 %s 已注册", e.tool.Name))
		}
	}
	for _, e := range prepared {
		r.tools[e.tool.Name] = e
	}
	return nil
}

func prepare(t Tool) (*entry, error) {
	if t.buildErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, t.buildErr, "工具定义不合法")
	}
	if strings.TrimSpace(t.Name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if !namePattern.MatchString(t.Name) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具名称 %s 只能包含小写字母、数字和下划线", t.Name))
	}
	if t.Execute == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少执行函数", t.Name))
	}
	if t.Kind == "" {
		t.Kind = KindSignature
	}
	e := &entry{tool: t}
	if t.Schema != nil {
		resolved, err := t.Schema.Resolve(nil)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("工具 %s 参数定义无法解析", t.Name))
		}
		e.resolved = resolved
	}
	return e, nil
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// List 返回按名称排序的全部工具。
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions 返回全部工具描述。
func (r *Registry) Definitions() []Definition {
	tools := r.List()
	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Filter 返回属于指定插件的工具。未传插件时返回全部。
func (r *Registry) Filter(plugins ...string) []Tool {
	all := r.List()
	if len(plugins) == 0 {
		return all
	}
	allowed := make(map[string]struct{}, len(plugins))
	for _, p := range plugins {
		allowed[p] = struct{}{}
	}
	out := all[:0]
	for _, t := range all {
		if _, ok := allowed[t.Plugin]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Invoke 执行工具。任何失败都以 Result 的形式返回，不会返回 Go error。
func (r *Registry) Invoke(ctx context.Context, env Env, name string, rawArgs json.RawMessage) (res Result) {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "tool.invoke")
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("agent.id", env.AgentID),
	)
	defer func() {
		span.SetAttributes(attribute.String("tool.status", string(res.Status)))
		if !res.OK() {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
		metrics.ObserveToolInvocation(name, string(res.Status), time.Since(start))
		logger.Audit().InfoContext(ctx, "tool invoked",
			slog.String("tool", name),
			slog.String("agent_id", env.AgentID),
			slog.String("status", string(res.Status)),
			slog.Duration("elapsed", time.Since(start)),
		)
	}()

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Failuref(xerrors.CodeToolNotFound, "tool %s not found", name)
	}

	args, err := normalize(rawArgs)
	if err != nil {
		return Failure(err)
	}
	if e.resolved != nil {
		var instance any
		if err := json.Unmarshal(args, &instance); err != nil {
			return Failure(xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数解析失败"))
		}
		if err := e.resolved.Validate(instance); err != nil {
			return Failure(xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数校验失败"))
		}
	}
	if e.tool.Kind == KindStarknet && strings.TrimSpace(env.Account) == "" {
		return Failuref(xerrors.CodeInvalidArgument, "tool %s requires an account address", name)
	}

	cacheable := r.cache != nil && r.cache.allows(e.tool)
	var key string
	if cacheable {
		key = cacheKey(name, env, args)
		if cached, hit := r.cache.get(key); hit {
			metrics.ObserveToolCacheHit(name)
			return cached
		}
	}

	res = r.execute(ctx, e.tool, env, args)
	if cacheable && res.OK() {
		r.cache.add(key, res)
	}
	return res
}

func (r *Registry) execute(ctx context.Context, t Tool, env Env, args json.RawMessage) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "tool panicked",
				slog.String("tool", t.Name),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			res = Failuref(xerrors.CodeExecutorFailure, "tool %s panicked: %v", t.Name, rec)
		}
	}()
	data, err := t.Execute(ctx, env, args)
	if err != nil {
		r.log.WarnContext(ctx, "tool failed", slog.String("tool", t.Name), slog.Any("error", err))
		return Failure(err)
	}
	return Success(data)
}

// normalize 把空参数视为 {}，并尝试修复模型生成的不合法 JSON。
func normalize(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if json.Valid(trimmed) {
		return trimmed, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(trimmed))
	if err != nil || !json.Valid([]byte(repaired)) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数不是合法的 JSON")
	}
	return json.RawMessage(repaired), nil
}
