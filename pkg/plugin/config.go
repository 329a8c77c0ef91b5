package plugin

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the YAML document that selects which plugins an agent
// host loads. Entries are keyed by plugin id.
//
//	pluginDir: /opt/starkagent/plugins
//	defaults:
//	  allowedCapabilities: [network, signing]
//	plugins:
//	  rpc: {enabled: true}
//	  custom: {enabled: true, path: custom.so}
type ManagerConfig struct {
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig configures one plugin. An enabled entry without a path
// refers to the builtin of the same id.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// location resolves the loader path. Builtin and absolute paths are kept,
// relative ones are joined onto dir.
func (p PluginConfig) location(id, dir string) string {
	switch {
	case p.Path == "":
		return BuiltinPrefix + id
	case strings.HasPrefix(p.Path, BuiltinPrefix), filepath.IsAbs(p.Path), dir == "":
		return p.Path
	default:
		return filepath.Join(dir, p.Path)
	}
}

// BuiltinConfig enables every compiled-in plugin. Hosts fall back to it when
// no plugin file is configured.
func BuiltinConfig() ManagerConfig {
	cfg := ManagerConfig{
		Defaults: IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork, CapabilitySigning}},
		Plugins:  make(map[string]PluginConfig),
	}
	for _, id := range Builtins() {
		cfg.Plugins[id] = PluginConfig{Enabled: true}
	}
	return cfg
}

// LoadManagerConfig reads and parses a plugin file.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	if strings.TrimSpace(path) == "" {
		return ManagerConfig{}, errors.New("plugin config path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("read plugin config %s: %w", path, err)
	}
	cfg, err := ParseManagerConfig(raw)
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseManagerConfig decodes a plugin document and validates it.
func ParseManagerConfig(raw []byte) (ManagerConfig, error) {
	var cfg ManagerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ManagerConfig{}, fmt.Errorf("decode plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginConfig)
	}
	return cfg, cfg.Validate()
}

// Validate rejects blank ids and unknown or contradictory capabilities.
func (c ManagerConfig) Validate() error {
	var errs []error
	if err := c.Defaults.check(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	for _, id := range slices.Sorted(maps.Keys(c.Plugins)) {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("plugin id is empty"))
			continue
		}
		if p := c.Plugins[id].Policy; p != nil {
			if err := p.check(); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// enabled returns the ids of enabled plugins in load order.
func (c ManagerConfig) enabled() []string {
	var ids []string
	for _, id := range slices.Sorted(maps.Keys(c.Plugins)) {
		if c.Plugins[id].Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}
