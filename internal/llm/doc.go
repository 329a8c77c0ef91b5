// Package llm defines the chat model contract used by the agent loop:
// messages with tool calls in, a single assistant message out. Provider
// specific adapters live in subpackages.
package llm
