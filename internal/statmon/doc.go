// Package statmon holds the status monitor state the daemon's control plane
// touches: the persistent state counter and monitored host list, the RPC
// procedures served on the status monitor program, and the notifier run in
// notify-only mode.
//
// The counter is odd while the monitor is up and even while it is down.
// Init moves it to the next odd value; BumpState on shutdown moves it to
// the next even value.
package statmon
