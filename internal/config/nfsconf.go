package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"statd/internal/logging"
)

const nfsStatdPrefix = "nfs.statd."

// ApplyNFSConf overlays the nfs.statd.* keys found in the nfs.conf file at
// path. A missing file is not an error. Malformed values and unknown keys are
// logged and skipped.
func (c *Config) ApplyNFSConf(path string, logger *slog.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open nfs.conf: %w", err)
	}
	defer file.Close()
	return c.applyNFSConf(file, logger)
}

func (c *Config) applyNFSConf(r io.Reader, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	var pending strings.Builder
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		if idx := strings.IndexByte(raw, '#'); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimRightFunc(raw, isSpace)
		if strings.HasSuffix(raw, `\`) {
			pending.WriteString(strings.TrimSuffix(raw, `\`))
			continue
		}
		pending.WriteString(raw)
		line := pending.String()
		pending.Reset()
		c.applyNFSConfLine(lineNum, line, logger)
	}
	if pending.Len() > 0 {
		c.applyNFSConfLine(lineNum, pending.String(), logger)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read nfs.conf: %w", err)
	}
	return nil
}

func (c *Config) applyNFSConfLine(lineNum int, line string, logger *slog.Logger) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	key, value, hasValue := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	if !strings.HasPrefix(key, nfsStatdPrefix) {
		logging.DebugV(logger, c.Statd.Verbose, 4, "nfs.conf entry skipped",
			logging.Int("line", lineNum), logging.String("key", key))
		return
	}

	val, err := parseNFSConfValue(value, hasValue)
	if err != nil {
		logging.WarnWithContext(logger, "malformed nfs.conf value ignored", "nfs_conf_malformed",
			logging.Int("line", lineNum),
			logging.String("key", key),
			logging.String("value", value),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "use a decimal, 0x hex, or 0 octal integer"),
			logging.String(logging.FieldImpact, "the built-in default is used"),
		)
		return
	}
	logging.DebugV(logger, c.Statd.Verbose, 1, "nfs.conf entry",
		logging.Int("line", lineNum), logging.String("key", key), logging.Any("value", val))

	switch key {
	case nfsStatdPrefix + "port":
		if val < 0 || val > 65535 {
			logging.WarnWithContext(logger, "nfs.conf port out of range ignored", "nfs_conf_malformed",
				logging.Int("line", lineNum), logging.Any("value", val))
			return
		}
		c.Statd.Port = int(val)
	case nfsStatdPrefix + "simu_crash_allowed":
		c.Statd.SimulateCrashAllowed = val != 0
	case nfsStatdPrefix + "verbose":
		if val < 0 {
			val = 0
		}
		c.Statd.Verbose = int(min(val, int64(logging.MaxVerbose)))
	default:
		logging.DebugV(logger, c.Statd.Verbose, 2, "ignoring unknown nfs.conf key",
			logging.Int("line", lineNum), logging.String("key", key))
	}
}

// parseNFSConfValue follows strtol base-0 rules: 0x hex, leading-0 octal,
// otherwise decimal. A key without "=" means 1; "key=" means 0.
func parseNFSConfValue(value string, hasValue bool) (int64, error) {
	if !hasValue {
		return 1, nil
	}
	if value == "" {
		return 0, nil
	}
	if strings.Contains(value, "_") {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	val, err := strconv.ParseInt(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	return val, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == '\v' || r == '\f'
}
