// Package agent contains the core loop that turns a user request into model
// calls and tool invocations. An Agent is built from a JsonConfig, sees only
// the tools of its configured plugins, and optionally keeps conversation
// memory and retrieves knowledge before answering. Manager holds every agent
// of a process and runs agent.run tasks.
package agent
