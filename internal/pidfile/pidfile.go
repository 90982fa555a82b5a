// Package pidfile implements the single-instance lock shared by statd and
// its companion processes.
//
// The lock is an exclusive flock(2) on the pid file itself; the file content
// is the owner's decimal pid. Other processes learn the owner's pid by reading
// the file and confirm it is live by failing to take a shared lock.
package pidfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"statd/internal/logging"
)

var (
	// ErrAlreadyRunning matches any *AlreadyRunningError.
	ErrAlreadyRunning = errors.New("already running")
	// ErrMalformed reports a pid file that does not hold a positive decimal pid.
	ErrMalformed = errors.New("malformed pid file")
	// ErrLockIO wraps failures to create, open, or lock the pid file.
	ErrLockIO = errors.New("pid file lock failed")
)

const (
	maxPIDBytes     = 127
	contendedReads  = 5
	contendedPause  = 5 * time.Millisecond
	pidFilePerm     = 0o644
	pidFileOpenFlag = os.O_CREATE | os.O_RDWR
)

// AlreadyRunningError reports that another process holds the lock.
// PID is 0 when the owner had not yet written its pid.
type AlreadyRunningError struct {
	Path string
	PID  int
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: already running, pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("%s: already running", e.Path)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Identity is a held pid file lock.
type Identity struct {
	Path string
	PID  int

	mu       sync.Mutex
	lock     *flock.Flock
	released bool
}

// Acquire takes the exclusive lock on path and records the current pid in
// it. If another process holds the lock, the file is left untouched and an
// *AlreadyRunningError carrying the owner's pid is returned. A failure to
// write the pid after the lock is held is logged and does not release it.
func Acquire(path string, logger *slog.Logger) (*Identity, error) {
	logger = logging.NewComponentLogger(logger, "pidfile")

	lock := flock.New(path, flock.SetFlag(pidFileOpenFlag), flock.SetPermissions(pidFilePerm))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLockIO, path, err)
	}
	if !locked {
		return nil, &AlreadyRunningError{Path: path, PID: readContended(path)}
	}

	id := &Identity{Path: path, PID: os.Getpid(), lock: lock}
	if err := writePID(path, id.PID); err != nil {
		logging.WarnWithContext(logger, "cannot write pid file", "pidfile_write_failed",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "other tools cannot discover the daemon pid"),
		)
	}
	return id, nil
}

// readContended reads the owner's pid, retrying briefly in case the owner
// has locked the file but not yet written it.
func readContended(path string) int {
	for i := 0; i < contendedReads; i++ {
		if pid, err := ReadPID(path); err == nil {
			return pid
		}
		time.Sleep(contendedPause)
	}
	return 0
}

func writePID(path string, pid int) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, pidFilePerm)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(strconv.Itoa(pid)); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Release unlinks the pid file and drops the lock. Calling it more than once
// is harmless.
func (id *Identity) Release() error {
	if id == nil {
		return nil
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.released {
		return nil
	}
	id.released = true

	var errs []error
	if err := os.Remove(id.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove pid file: %w", err))
	}
	if err := id.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock pid file: %w", err))
	}
	return errors.Join(errs...)
}

// ReadPID parses the pid recorded in path.
func ReadPID(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	buf := make([]byte, maxPIDBytes)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, err
	}
	text := strings.TrimSpace(string(buf[:n]))
	pid, err := strconv.Atoi(text)
	if err != nil || pid < 1 {
		return 0, fmt.Errorf("%w: %s: %q", ErrMalformed, path, text)
	}
	return pid, nil
}

// IsAlive returns the pid of the process holding the lock on path, or 0 when
// the file is absent, unreadable, malformed, or not locked.
func IsAlive(path string) int {
	pid, err := ReadPID(path)
	if err != nil {
		return 0
	}
	probe := flock.New(path, flock.SetFlag(os.O_RDONLY))
	locked, err := probe.TryRLock()
	if err != nil {
		return 0
	}
	if locked {
		_ = probe.Unlock()
		return 0
	}
	return pid
}
