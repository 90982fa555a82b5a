package daemonrun

import (
	"errors"
	"fmt"
)

// Usage is printed to stderr when the mode flags conflict.
const Usage = "usage: statd [-d] [ -n | -l | -L | -N hostname ] [-c config]"

// ErrUsage reports mode flags that select more than one mode.
var ErrUsage = errors.New(Usage)

// Mode is the operating mode of one invocation.
type Mode int

const (
	ModeServer Mode = iota
	ModeNotifyOnly
	ModeListOnce
	ModeListWatch
	ModeUnnotify
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeNotifyOnly:
		return "notify-only"
	case ModeListOnce:
		return "list"
	case ModeListWatch:
		return "list-watch"
	case ModeUnnotify:
		return "unnotify"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Flags are the mode flags as given on the command line. Repeating -n, -l
// or -L is allowed; -N takes a host and may appear once.
type Flags struct {
	NotifyOnly bool
	ListOnce   bool
	ListWatch  bool
	Unnotify   []string
}

// Selection is the chosen mode; Host is set for ModeUnnotify.
type Selection struct {
	Mode Mode
	Host string
}

// Select picks the mode. Any combination naming two modes is ErrUsage.
func Select(f Flags) (Selection, error) {
	chosen := 0
	for _, set := range []bool{f.NotifyOnly, f.ListOnce, f.ListWatch, len(f.Unnotify) > 0} {
		if set {
			chosen++
		}
	}
	if chosen > 1 || len(f.Unnotify) > 1 {
		return Selection{}, ErrUsage
	}

	switch {
	case f.NotifyOnly:
		return Selection{Mode: ModeNotifyOnly}, nil
	case f.ListOnce:
		return Selection{Mode: ModeListOnce}, nil
	case f.ListWatch:
		return Selection{Mode: ModeListWatch}, nil
	case len(f.Unnotify) == 1:
		return Selection{Mode: ModeUnnotify, Host: f.Unnotify[0]}, nil
	default:
		return Selection{Mode: ModeServer}, nil
	}
}

// logsToStderr reports whether the mode is interactive rather than a
// daemon, and so logs to stderr instead of syslog.
func (s Selection) logsToStderr() bool {
	switch s.Mode {
	case ModeListOnce, ModeListWatch, ModeUnnotify:
		return true
	default:
		return false
	}
}
