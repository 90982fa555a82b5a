package logging

import (
	"context"
	"log/slog"
	"math"
)

// LevelNotice sits between info and warn; syslog receives it as LOG_NOTICE.
const LevelNotice = slog.Level(2)

// MaxVerbose is the verbosity selected by the -d flag.
const MaxVerbose = math.MaxInt32

// LevelForVerbose returns the level name for a numeric verbosity.
func LevelForVerbose(verbose int) string {
	if verbose > 0 {
		return "debug"
	}
	return "info"
}

// DebugV logs msg at debug level when verbose is at least level.
func DebugV(logger *slog.Logger, verbose, level int, msg string, attrs ...Attr) {
	if logger == nil || verbose < level {
		return
	}
	logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

// levelOverrideHandler enforces a per-logger minimum level while delegating
// output to the wrapped handler.
type levelOverrideHandler struct {
	next  slog.Handler
	level slog.Level
}

func (h *levelOverrideHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level && h.next.Enabled(ctx, level)
}

func (h *levelOverrideHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.level {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *levelOverrideHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelOverrideHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h *levelOverrideHandler) WithGroup(name string) slog.Handler {
	return &levelOverrideHandler{next: h.next.WithGroup(name), level: h.level}
}

// WithLevelOverride returns a logger that drops records below level while
// preserving existing attributes and handler wiring.
func WithLevelOverride(logger *slog.Logger, level slog.Level) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	next := logger.Handler()
	if prev, ok := next.(*levelOverrideHandler); ok {
		next = prev.next
	}
	return slog.New(&levelOverrideHandler{next: next, level: level})
}
