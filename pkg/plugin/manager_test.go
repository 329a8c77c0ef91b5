package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"starknet-agent-kit/internal/tool"
)

type fakePlugin struct {
	info      Info
	events    []string
	startErr  error
	greeting  string
	toolNames []string
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) Configure(cfg map[string]any) error {
	f.events = append(f.events, "configure")
	if _, ok := cfg["greeting"]; !ok {
		cfg["greeting"] = "hello"
	}
	return nil
}

func (f *fakePlugin) Init(ctx *ExecutionContext) error {
	f.events = append(f.events, "init")
	f.greeting, _ = ctx.Config["greeting"].(string)
	return nil
}

func (f *fakePlugin) Start(*ExecutionContext) error {
	f.events = append(f.events, "start")
	return f.startErr
}

func (f *fakePlugin) Stop(*ExecutionContext) error {
	f.events = append(f.events, "stop")
	return nil
}

func (f *fakePlugin) Tools() []tool.Tool {
	out := make([]tool.Tool, 0, len(f.toolNames))
	for _, name := range f.toolNames {
		out = append(out, tool.Tool{Name: name, Execute: func(context.Context, tool.Env, json.RawMessage) (any, error) {
			return name, nil
		}})
	}
	return out
}

func TestManagerLifecycle(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	p := &fakePlugin{info: Info{ID: "rpc"}, toolNames: []string{"get_chain_id"}}
	if err := m.Register("rpc", p, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("rpc", &fakePlugin{}, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	tools, err := m.Tools()
	if err != nil || len(tools) != 0 {
		t.Fatalf("tools of a stopped plugin must be hidden, got %v %v", tools, err)
	}

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if state, _ := m.State("rpc"); state != StateStarted {
		t.Fatalf("state = %s", state)
	}
	if p.greeting != "hello" {
		t.Fatalf("configure defaults not visible in init, got %q", p.greeting)
	}

	tools, err = m.Tools("rpc")
	if err != nil || len(tools) != 1 || tools[0].Plugin != "rpc" {
		t.Fatalf("unexpected tools: %+v %v", tools, err)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if got := strings.Join(p.events, ","); got != "configure,init,start,stop" {
		t.Fatalf("events = %s", got)
	}
	if _, err := m.Tools("missing"); err == nil {
		t.Fatalf("expected error for unknown plugin")
	}
}

func TestManagerRejectsDeniedCapabilities(t *testing.T) {
	m, _ := NewManager(ManagerConfig{Defaults: IsolationPolicy{DeniedCapabilities: []Capability{CapabilityExecution}}})
	p := &fakePlugin{info: Info{ID: "exec", Capabilities: []Capability{CapabilityExecution}}}
	if err := m.Register("exec", p, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("expected denied capability error")
	}

	m, _ = NewManager(ManagerConfig{})
	if err := m.Register("exec", p, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("capabilities without a policy must be rejected")
	}
	if err := m.Register("exec", p, nil, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityExecution}}); err != nil {
		t.Fatalf("allowed capability rejected: %v", err)
	}
}

func TestStartFailureLeavesPluginInitialised(t *testing.T) {
	m, _ := NewManager(ManagerConfig{})
	p := &fakePlugin{startErr: errors.New("no rpc")}
	_ = m.Register("broken", p, nil, IsolationPolicy{})
	if err := m.Start(context.Background(), "broken"); err == nil {
		t.Fatalf("expected start error")
	}
	if state, _ := m.State("broken"); state != StateInitialised {
		t.Fatalf("state = %s", state)
	}
}

func TestBuiltinFactoriesAndConfig(t *testing.T) {
	RegisterFactory("test-builtin", func() Plugin {
		return &fakePlugin{info: Info{ID: "test-builtin"}, toolNames: []string{"ping"}}
	})

	cfg, err := ParseManagerConfig([]byte(`
plugins:
  test-builtin:
    enabled: true
    config:
      greeting: hi
  disabled-one:
    enabled: false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if loc := cfg.Plugins["test-builtin"].location("test-builtin", "/opt/plugins"); loc != "builtin:test-builtin" {
		t.Fatalf("expected implicit builtin path, got %q", loc)
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if ids := m.IDs(); len(ids) != 1 || ids[0] != "test-builtin" {
		t.Fatalf("ids = %v", ids)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tools, _ := m.Tools()
	if len(tools) != 1 || tools[0].Name != "ping" || tools[0].Plugin != "test-builtin" {
		t.Fatalf("tools = %+v", tools)
	}

	if p, ok := BuiltinConfig().Plugins["test-builtin"]; !ok || !p.Enabled {
		t.Fatalf("BuiltinConfig must include registered factories")
	}

	if _, err := (BuiltinLoader{}).Load("builtin:nope"); err == nil {
		t.Fatalf("expected unknown builtin error")
	}
}

func TestManagerConfigValidation(t *testing.T) {
	_, err := ParseManagerConfig([]byte(`
defaults:
  allowedCapabilities: [network, teleport]
plugins:
  custom:
    enabled: true
    path: custom.so
    policy:
      allowedCapabilities: [signing]
      deniedCapabilities: [signing]
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"teleport", "custom"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}

	relative := PluginConfig{Enabled: true, Path: "custom.so"}
	if got := relative.location("custom", "/opt/plugins"); got != filepath.Join("/opt/plugins", "custom.so") {
		t.Fatalf("location = %s", got)
	}
}

func TestResourceHelper(t *testing.T) {
	ctx := &ExecutionContext{Resources: map[string]any{"n": 3}}
	if v, err := Resource[int](ctx, "n"); err != nil || v != 3 {
		t.Fatalf("resource = %v %v", v, err)
	}
	if _, err := Resource[string](ctx, "n"); err == nil {
		t.Fatalf("expected type mismatch error")
	}
	if _, err := Resource[int](ctx, "missing"); err == nil {
		t.Fatalf("expected missing resource error")
	}
}
