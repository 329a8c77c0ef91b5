// Package tool holds the tool registry: named, schema validated functions the
// agent can call. Tool failures are reported as Result values with status
// "failure" rather than Go errors.
package tool
