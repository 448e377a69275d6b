// Package config loads the runtime configuration from YAML, TOML or JSON
// files, fills defaults and applies a small set of environment overrides.
package config
