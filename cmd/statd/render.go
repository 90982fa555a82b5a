package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"statd/internal/daemonrun"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 12
	statusIndent     = "  "
	timeLayout       = "2006-01-02 15:04:05"
)

func renderReport(report daemonrun.Report, colorize bool) string {
	lines := []string{
		renderDaemonLine("statd", report.ServerPID, colorize),
		renderDaemonLine("statd.notify", report.NotifierPID, colorize),
		renderStatusLine("state", statusInfo, stateLabel(report.State), colorize),
	}
	if len(report.Hosts) == 0 {
		lines = append(lines, renderStatusLine("hosts", statusInfo, "none monitored", colorize))
		return strings.Join(lines, "\n")
	}

	rows := make([][]string, 0, len(report.Hosts))
	for _, h := range report.Hosts {
		notified := ""
		if h.NotifiedAt != nil {
			notified = formatTime(*h.NotifiedAt)
		}
		rows = append(rows, []string{
			h.Name,
			yesNo(h.NeedNotify),
			orDash(formatTime(h.AddedAt)),
			orDash(notified),
		})
	}
	hostTable := renderTable([]string{"Host", "Pending", "Added", "Notified"}, rows, colorize)
	return strings.Join(append(lines, hostTable), "\n")
}

func renderDaemonLine(label string, pid int, colorize bool) string {
	if pid == 0 {
		return renderStatusLine(label, statusWarn, "not running", colorize)
	}
	return renderStatusLine(label, statusOK, "running, pid "+strconv.Itoa(pid), colorize)
}

// stateLabel names the monitor state; odd means up.
func stateLabel(state int) string {
	if state%2 == 1 {
		return fmt.Sprintf("%d (up)", state)
	}
	return fmt.Sprintf("%d (down)", state)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	base := fmt.Sprintf("%s%-*s [%s] %s", statusIndent, statusLabelWidth, label+":", statusKindLabel(kind), message)
	if colorize {
		return statusKindColor(kind) + base + ansiReset
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	default:
		return ansiBlue
	}
}

func renderTable(headers []string, rows [][]string, colorize bool) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if colorize {
		tw.Style().Color.Header = text.Colors{text.Bold}
	}

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
