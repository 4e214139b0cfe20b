// Package config loads and validates agent-gateway configuration.
//
// Configuration is YAML with ${VAR} environment expansion. Timing
// fields (auth grace, sweep interval, heartbeat timeout, flush
// debounce, command timeout) are duration strings; unset fields take
// the package defaults.
package config
