// Package config loads the daemon configuration from a JSON file, overlays
// STARKAGENT_* environment variables, and parses per-agent JSON configs.
package config
