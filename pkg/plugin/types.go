package plugin

import (
	"context"
	"io"
	"slices"

	"starknet-agent-kit/internal/tool"
)

// Type is the broad role of a plugin.
type Type string

const (
	TypeToolset    Type = "toolset"
	TypeDataSource Type = "datasource"
)

// Capability names a host facility a plugin declares it needs. The manager
// compares declarations with the IsolationPolicy before registering.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
	// CapabilitySigning is declared by plugins that send transactions from an
	// agent account.
	CapabilitySigning Capability = "signing"
)

var knownCapabilities = []Capability{CapabilityFilesystem, CapabilityNetwork, CapabilityExecution, CapabilitySigning}

// Known reports whether c is one of the capabilities above.
func (c Capability) Known() bool { return slices.Contains(knownCapabilities, c) }

// Info is what a plugin says about itself.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State tracks a registered plugin through
// registered -> initialised -> started -> stopped.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// ToolProvider is implemented by toolset plugins. Manager.Tools only asks
// started plugins.
type ToolProvider interface {
	Tools() []tool.Tool
}

// Resource keys supplied by the agent host.
const (
	ResourceChains    = "chain:registry"
	ResourceKnowledge = "knowledge:sink"
)

// KnowledgeSink is stored under ResourceKnowledge. Data source plugins push
// documents through it and the host queues them for embedding into the
// agent's collection.
type KnowledgeSink func(ctx context.Context, agentID, name string, content io.Reader) error
