// Package config loads, validates, and normalizes bindery's TOML
// configuration. Defaults are applied first, then the file (if present) is
// decoded over them, then paths are expanded and values clamped.
package config
