// Package daemon runs statd in server mode.
//
// A run claims the pid file, brings the status database up, starts the
// notifier service when hosts are waiting to be told about a restart, and
// then binds and registers the status monitor program on UDP and TCP. It
// blocks in dispatch until the first termination signal and hands the
// teardown to the shutdown controller.
package daemon
