// Package config loads statd's startup configuration.
//
// Settings come from two places: an optional TOML file describing paths,
// supervisor wiring, transport limits, and logging, and the system nfs.conf
// key/value file whose nfs.statd.* keys override the port, verbosity, and
// crash-simulation switch. Load returns a normalized, validated Config that
// callers treat as read-only for the rest of the process.
package config
