package statmon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"statd/internal/logging"
)

const watchSettle = 100 * time.Millisecond

// Watch calls fn after the database at path changes, until ctx ends.
// Bursts of writes within a short window produce one call.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func()) error {
	logger = logging.NewComponentLogger(logger, "statmon-watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	base := filepath.Base(path)
	var (
		settle  *time.Timer
		settled <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			return nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.WarnWithContext(logger, "status database watch error", "watch_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "listing may be stale until the next change"),
			)

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !touchesDatabase(evt, base) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(watchSettle)
			} else {
				settle.Reset(watchSettle)
			}
			settled = settle.C

		case <-settled:
			settled = nil
			fn()
		}
	}
}

func touchesDatabase(evt fsnotify.Event, base string) bool {
	name := filepath.Base(evt.Name)
	if name != base && !strings.HasPrefix(name, base+"-") {
		return false
	}
	return evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}
