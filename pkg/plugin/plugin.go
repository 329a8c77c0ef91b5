// Package plugin hosts the toolsets and data sources an agent can enable.
//
// Builtin plugins register a Factory from an init function and are addressed
// as "builtin:<id>". Anything else is opened as a Go shared object that
// exports a Plugin symbol. Once started, plugins implementing ToolProvider
// contribute their tools to the agent tool registry.
package plugin

import (
	"context"
	"fmt"
	"maps"
)

// Plugin is driven through Configure, Init, Start and Stop by the Manager.
// Configure sees a private copy of the configuration block and may add
// defaults to it. Init runs once; Start and Stop may alternate.
type Plugin interface {
	Info() Info
	Configure(cfg map[string]any) error
	Init(ctx *ExecutionContext) error
	Start(ctx *ExecutionContext) error
	Stop(ctx *ExecutionContext) error
}

// ExecutionContext carries the lifecycle call's context together with the
// plugin configuration and host resources.
type ExecutionContext struct {
	C         context.Context
	Config    map[string]any
	Resources map[string]any
}

// Clone copies both maps so one lifecycle stage cannot leak edits into the
// next.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	return &ExecutionContext{C: c.C, Config: maps.Clone(c.Config), Resources: maps.Clone(c.Resources)}
}

// Resource looks up a host resource and asserts its type.
//
//	chains, err := plugin.Resource[*chain.Registry](ctx, plugin.ResourceChains)
func Resource[T any](ctx *ExecutionContext, key string) (T, error) {
	var zero T
	if ctx == nil {
		return zero, fmt.Errorf("resource %s: nil execution context", key)
	}
	raw, ok := ctx.Resources[key]
	if !ok {
		return zero, fmt.Errorf("resource %s not provided", key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("resource %s has type %T, want %T", key, raw, zero)
	}
	return v, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoader replaces DefaultLoader. A nil loader is ignored.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy replaces CapabilityIsolation. A nil strategy is ignored.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource shares value with every plugin under key.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key != "" && value != nil {
			m.resources[key] = value
		}
	}
}
