package statmon

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

var (
	// ErrSchemaMismatch indicates the database was created by an incompatible version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrUnknownHost reports an operation on a host that is not monitored.
	ErrUnknownHost = errors.New("host not monitored")
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Host is one monitored peer.
type Host struct {
	Name       string
	NeedNotify bool
	AddedAt    time.Time
	NotifiedAt *time.Time
}

// DB is the status database backed by SQLite.
type DB struct {
	db   *sql.DB
	path string
}

// Open connects to the status database at path, creating it if needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create status directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps the pragmas below in force
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &DB{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) initSchema(ctx context.Context) error {
	var tableExists int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return d.createSchema(ctx)
	}

	var version int
	if err := d.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to start over)",
			ErrSchemaMismatch, version, schemaVersion, d.path)
	}
	return nil
}

func (d *DB) createSchema(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = d.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// foldName is the lookup key for a host name. A Caser is stateful, so
// each call gets its own.
func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// State returns the current state counter.
func (d *DB) State(ctx context.Context) (int, error) {
	var state int
	if err := d.db.QueryRowContext(ctx, "SELECT state FROM monitor_state WHERE id = 1").Scan(&state); err != nil {
		return 0, fmt.Errorf("read state: %w", err)
	}
	return state, nil
}

// Init marks the monitor up: the counter moves to the next odd value, even
// when the previous run crashed while up, and every monitored host is flagged for notification of the new state. It
// reports whether any host needs notifying.
func (d *DB) Init(ctx context.Context) (bool, error) {
	if _, err := d.exec(ctx,
		"UPDATE monitor_state SET state = state + CASE WHEN state % 2 = 0 THEN 1 ELSE 2 END, updated_at = ? WHERE id = 1",
		timestamp(),
	); err != nil {
		return false, fmt.Errorf("mark state up: %w", err)
	}
	if _, err := d.MarkAllPending(ctx); err != nil {
		return false, err
	}
	pending, err := d.PendingHosts(ctx)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// BumpState increments the counter by one and returns the new value.
func (d *DB) BumpState(ctx context.Context) (int, error) {
	if _, err := d.exec(ctx,
		"UPDATE monitor_state SET state = state + 1, updated_at = ? WHERE id = 1",
		timestamp(),
	); err != nil {
		return 0, fmt.Errorf("bump state: %w", err)
	}
	return d.State(ctx)
}

// Sync checkpoints the write-ahead log into the main database file.
func (d *DB) Sync(ctx context.Context) error {
	return retryOnBusy(ctx, func() error {
		var busy, logFrames, checkpointed int
		if err := d.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(FULL)").Scan(&busy, &logFrames, &checkpointed); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		if busy != 0 {
			return errors.New("checkpoint: database is locked")
		}
		return nil
	})
}

// AddHost starts monitoring name. Adding a known host is a no-op.
func (d *DB) AddHost(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("empty host name")
	}
	if _, err := d.exec(ctx,
		"INSERT INTO hosts (folded_name, name, need_notify, added_at) VALUES (?, ?, 0, ?) ON CONFLICT(folded_name) DO NOTHING",
		foldName(name), name, timestamp(),
	); err != nil {
		return fmt.Errorf("add host %s: %w", name, err)
	}
	return nil
}

// Hosts lists every monitored host ordered by name.
func (d *DB) Hosts(ctx context.Context) ([]Host, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name, need_notify, added_at, notified_at FROM hosts ORDER BY folded_name")
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		var (
			h          Host
			needNotify int
			addedRaw   string
			notified   sql.NullString
		)
		if err := rows.Scan(&h.Name, &needNotify, &addedRaw, &notified); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		h.NeedNotify = needNotify != 0
		if t, err := time.Parse(time.RFC3339Nano, addedRaw); err == nil {
			h.AddedAt = t
		}
		if notified.Valid {
			if t, err := time.Parse(time.RFC3339Nano, notified.String); err == nil {
				h.NotifiedAt = &t
			}
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// PendingHosts returns the names of hosts awaiting notification.
func (d *DB) PendingHosts(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name FROM hosts WHERE need_notify = 1 ORDER BY folded_name")
	if err != nil {
		return nil, fmt.Errorf("list pending hosts: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan pending host: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// MarkAllPending flags every host for notification and returns how many
// hosts are monitored.
func (d *DB) MarkAllPending(ctx context.Context) (int, error) {
	res, err := d.exec(ctx, "UPDATE hosts SET need_notify = 1")
	if err != nil {
		return 0, fmt.Errorf("mark hosts pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// ClearPending records a successful notification of name.
func (d *DB) ClearPending(ctx context.Context, name string) error {
	return d.setPending(ctx, name, true)
}

// UnnotifyHost drops the pending notification for name without sending it.
// Host names match case-insensitively.
func (d *DB) UnnotifyHost(ctx context.Context, name string) error {
	return d.setPending(ctx, name, false)
}

func (d *DB) setPending(ctx context.Context, name string, notified bool) error {
	var notifiedAt any
	if notified {
		notifiedAt = timestamp()
	}
	res, err := d.exec(ctx,
		"UPDATE hosts SET need_notify = 0, notified_at = COALESCE(?, notified_at) WHERE folded_name = ?",
		notifiedAt, foldName(name),
	)
	if err != nil {
		return fmt.Errorf("update host %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return nil
}
