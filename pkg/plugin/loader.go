package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
	"sort"
	"strings"
	"sync"
)

// BuiltinPrefix marks plugin paths resolved from the in-process factory table.
const BuiltinPrefix = "builtin:"

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory makes a compiled-in plugin available as builtin:<id>.
// Registering the same id twice panics, mirroring database/sql drivers.
func RegisterFactory(id string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if id == "" || f == nil {
		panic("plugin: RegisterFactory requires an id and a factory")
	}
	if _, dup := factories[id]; dup {
		panic("plugin: RegisterFactory called twice for " + id)
	}
	factories[id] = f
}

// Builtins lists registered builtin plugin ids.
func Builtins() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	ids := make([]string, 0, len(factories))
	for id := range factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BuiltinLoader creates plugins from the factory table.
type BuiltinLoader struct{}

// Load accepts either "builtin:<id>" or a bare id.
func (BuiltinLoader) Load(path string) (Plugin, error) {
	id := strings.TrimPrefix(path, BuiltinPrefix)
	factoriesMu.RLock()
	f, ok := factories[id]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("builtin plugin %s not registered", id)
	}
	return f(), nil
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Plugin` symbol implementing the Plugin interface.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, errors.New("plugin symbol must implement plugin.Plugin")
	}
}

// DefaultLoader routes builtin: paths to BuiltinLoader and everything else to
// GoPluginLoader.
type DefaultLoader struct {
	Builtin Loader
	Shared  Loader
}

// Load implements Loader.
func (l DefaultLoader) Load(path string) (Plugin, error) {
	if strings.HasPrefix(path, BuiltinPrefix) {
		if l.Builtin == nil {
			return BuiltinLoader{}.Load(path)
		}
		return l.Builtin.Load(path)
	}
	if l.Shared == nil {
		return GoPluginLoader{}.Load(path)
	}
	return l.Shared.Load(path)
}
