package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	// Import the pure-Go SQLite driver. No CGO required.
	_ "modernc.org/sqlite"

	"github.com/bigshoulders/stq/internal/profile"
	"github.com/bigshoulders/stq/store"
)

// DB is the SQLite realization of store.Driver. Reads and writes share one
// pooled connection, so statements from this process run one at a time;
// reads inside the process do not run concurrently with a write. WAL
// journaling lets connections from other processes read alongside it.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// timeLayout is how timestamps are persisted: UTC text with up to six
// fractional-second digits, trailing zeros dropped (whole seconds carry no
// fraction). parseTime also accepts six-digit, whole-second and RFC3339
// text, so old database files remain readable.
const timeLayout = "2006-01-02 15:04:05.999999"

// NewDB opens the database file named by the profile, applying the
// pragmas the store contract depends on.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// WAL lets readers on other connections proceed alongside a writer;
	// busy_timeout keeps short lock contention from surfacing as errors.
	sqliteDB, err := sql.Open("sqlite", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, pragma := range pragmas {
		if _, err := sqliteDB.Exec(pragma); err != nil {
			return nil, errors.Wrapf(err, "failed to set pragma: %s", pragma)
		}
	}

	// A single connection makes every statement run one at a time. The
	// engine still serializes its multi-statement operations with its own
	// mutex.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)

	driver := DB{
		db:      sqliteDB,
		profile: profile,
	}
	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the three tables when they do not exist yet. The column
// set and enum encodings are fixed; existing files are never rewritten.
func (d *DB) Migrate(ctx context.Context) error {
	ddl := map[string]string{
		"tasks": `
			CREATE TABLE tasks (
				task_id INTEGER PRIMARY KEY,
				cmd TEXT NOT NULL,
				description TEXT,
				name TEXT,
				max_attempts INTEGER NOT NULL,
				duration REAL,
				created_time TIMESTAMP NOT NULL,
				queue INTEGER
			)`,
		"attempts": `
			CREATE TABLE attempts (
				attempt_id INTEGER PRIMARY KEY,
				task_id INTEGER,
				runner TEXT NOT NULL,
				start_time TIMESTAMP NOT NULL,
				fail_reason TEXT,
				done_time TIMESTAMP,
				status INT
			)`,
		"dependencies": `
			CREATE TABLE dependencies (
				dependency_id INTEGER PRIMARY KEY,
				task_id INT,
				dependent_on_task_id INT
			)`,
	}

	for _, name := range []string{"tasks", "attempts", "dependencies"} {
		exists, err := d.tableExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			slog.Debug("table already exists, not setting up", "table", name)
			continue
		}
		slog.Info("creating table", "table", name)
		if _, err := d.db.ExecContext(ctx, ddl[name]); err != nil {
			return errors.Wrapf(err, "failed to create table %s", name)
		}
	}
	return nil
}

func (d *DB) tableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)", name,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check table %s", name)
	}
	return exists, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		// Older files may carry whole-second timestamps.
		t, err = time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	}
	if err != nil {
		// The sqlite driver recognizes TIMESTAMP-typed columns and, when a
		// row is scanned into a string destination, re-renders the value
		// via time.Time.Format(time.RFC3339Nano) rather than handing back
		// the stored text verbatim.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to parse timestamp %q", s)
	}
	return t.UTC(), nil
}
