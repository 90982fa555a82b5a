// Package logging assembles the structured slog loggers used by statd.
//
// It owns the console, JSON, and syslog handlers, maps the daemon's numeric
// verbosity onto slog levels, and defines the field keys every component uses
// so that log lines about the same pid, transport, or monitored host can be
// correlated. Daemon modes log to syslog; the interactive list and unnotify
// modes log to stderr.
//
// Tests and wiring code that cannot fail should use NewNop.
package logging
