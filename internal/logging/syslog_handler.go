package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/syslog"
	"log/slog"
	"strings"
)

// DefaultSyslogTag identifies statd records in the system log.
const DefaultSyslogTag = "rpc.statd"

type syslogWriter interface {
	Debug(m string) error
	Info(m string) error
	Notice(m string) error
	Warning(m string) error
	Err(m string) error
}

// syslogHandler writes records to syslog and, when mirror is set, also hands
// them to mirror (the -d stderr copy).
type syslogHandler struct {
	writer    syslogWriter
	mirror    slog.Handler
	level     *slog.LevelVar
	attrs     []slog.Attr
	groups    []string
	addSource bool
}

func newSyslogHandler(tag string, lvl *slog.LevelVar, addSource bool) (*syslogHandler, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = DefaultSyslogTag
	}
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_NOTICE, tag)
	if err != nil {
		return nil, fmt.Errorf("connect syslog: %w", err)
	}
	return &syslogHandler{writer: w, level: lvl, addSource: addSource}, nil
}

func (h *syslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.level.Level() {
		return true
	}
	return h.mirror != nil && h.mirror.Enabled(ctx, level)
}

// Handle writes the mirror copy first, then the syslog line. A syslog failure
// wins over a mirror failure.
func (h *syslogHandler) Handle(ctx context.Context, record slog.Record) error {
	var mirrorErr error
	if h.mirror != nil && h.mirror.Enabled(ctx, record.Level) {
		mirrorErr = h.mirror.Handle(ctx, record.Clone())
	}
	if record.Level < h.level.Level() {
		return mirrorErr
	}
	if err := h.emit(record); err != nil {
		return err
	}
	return mirrorErr
}

// emit maps slog levels onto syslog priorities. The syslog daemon stamps its
// own time, so none is rendered here.
func (h *syslogHandler) emit(record slog.Record) error {
	var buf bytes.Buffer
	renderRecord(&buf, record, h.attrs, h.groups, h.addSource)
	line := buf.String()
	switch {
	case record.Level >= slog.LevelError:
		return h.writer.Err(line)
	case record.Level >= slog.LevelWarn:
		return h.writer.Warning(line)
	case record.Level >= LevelNotice:
		return h.writer.Notice(line)
	case record.Level >= slog.LevelInfo:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	if h.mirror != nil {
		clone.mirror = h.mirror.WithAttrs(attrs)
	}
	return &clone
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	if h.mirror != nil {
		clone.mirror = h.mirror.WithGroup(name)
	}
	return &clone
}
