// Package config loads, normalizes, and validates motorctl configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// MOTORCTL_PATH and MOTORCTL_SERIAL_NUMBER. The Config type centralizes every
// knob the CLI and command handlers need, so the transport path, state
// directories, and per-command tuning are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
