// Package main is the statd command.
//
// Without mode flags it runs the status monitor server. -n notifies pending
// hosts once, -l and -L list the monitored hosts (once, or on every change),
// and -N drops the pending notification of one host. Mode flags are
// mutually exclusive; -d raises verbosity to the maximum.
package main
