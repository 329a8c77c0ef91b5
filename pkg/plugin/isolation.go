package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"starknet-agent-kit/pkg/logger"
)

// IsolationPolicy lists the capabilities a plugin may or may not declare.
// An empty allow list permits anything that is not denied.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

func (p IsolationPolicy) empty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// Merge fills the lists left empty in p from fallback.
func (p IsolationPolicy) Merge(fallback IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = fallback.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = fallback.DeniedCapabilities
	}
	return p
}

// check rejects unknown capability names and capabilities that appear in
// both lists.
func (p IsolationPolicy) check() error {
	var errs []error
	for _, c := range slices.Concat(p.AllowedCapabilities, p.DeniedCapabilities) {
		if !c.Known() {
			errs = append(errs, fmt.Errorf("unknown capability %q", c))
		}
	}
	for _, c := range p.AllowedCapabilities {
		if slices.Contains(p.DeniedCapabilities, c) {
			errs = append(errs, fmt.Errorf("capability %s is both allowed and denied", c))
		}
	}
	return errors.Join(errs...)
}

// permits reports the first declared capability the policy refuses.
func (p IsolationPolicy) permits(declared []Capability) error {
	if len(declared) > 0 && p.empty() {
		return errors.New("plugins declaring capabilities require an isolation policy")
	}
	for _, c := range declared {
		if slices.Contains(p.DeniedCapabilities, c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
		if len(p.AllowedCapabilities) > 0 && !slices.Contains(p.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// IsolationStrategy enforces a policy around a plugin's lifetime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// CapabilityIsolation checks declarations only. Plugins run in the host
// process, so Prepare and Cleanup just leave an audit trail.
type CapabilityIsolation struct{}

func (CapabilityIsolation) Validate(info Info, policy IsolationPolicy) error {
	return policy.permits(info.Capabilities)
}

func (CapabilityIsolation) Prepare(info Info) error {
	logger.Audit().Info("plugin starting",
		slog.String("plugin", info.ID),
		slog.String("version", info.Version),
		slog.Any("capabilities", info.Capabilities),
	)
	return nil
}

func (CapabilityIsolation) Cleanup(info Info) error {
	logger.Audit().Info("plugin stopped", slog.String("plugin", info.ID))
	return nil
}

var _ IsolationStrategy = CapabilityIsolation{}
