// Package eventlog is an embedded SQLite journal of ledger-undo
// attempts and health-verdict transitions, read back by `jailctl logs`;
// the supervisor only writes to it and keeps its backoff state in
// memory (spec.md §6.3's state layout names only the JSON runtime
// record; this is the DOMAIN STACK home for the teacher's
// modernc.org/sqlite + golang-migrate dependencies — see SPEC_FULL.md
// §2). It is a history/audit side-channel, never authoritative: the
// JSON runtime record and ledger in internal/statestore remain the
// source of truth for lifecycle decisions.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Log wraps a WAL-mode SQLite database of events.
type Log struct {
	db *sql.DB
}

// Open opens (and migrates) the event journal at dataDir/events.db.
func Open(dataDir string) (*Log, error) {
	dbPath := filepath.Join(dataDir, "events.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading event log migrations: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("wrapping event log db for migration: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("constructing event log migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrating event log: %w", err)
	}
	return nil
}

func (l *Log) Close() error { return l.db.Close() }

// RecordLedgerUndo appends one ledger-undo attempt outcome.
func (l *Log) RecordLedgerUndo(ctx context.Context, jail, identifier string, undoErr error, at int64) error {
	errStr := ""
	if undoErr != nil {
		errStr = undoErr.Error()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (jail, kind, detail, err, created_at) VALUES (?, 'ledger-undo', ?, ?, ?)`,
		jail, identifier, nullableString(errStr), at)
	return err
}

// RecordHealthVerdict appends a health-verdict transition.
func (l *Log) RecordHealthVerdict(ctx context.Context, jail, verdict string, at int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (jail, kind, detail, created_at) VALUES (?, 'health-verdict', ?, ?)`,
		jail, verdict, at)
	return err
}

// Event is one journal row, for `jailctl logs`.
type Event struct {
	Jail      string
	Kind      string
	Detail    string
	Err       string
	CreatedAt int64
}

// Tail returns the most recent limit events for jail (all jails if
// jail == "").
func (l *Log) Tail(ctx context.Context, jail string, limit int) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if jail == "" {
		rows, err = l.db.QueryContext(ctx,
			`SELECT jail, kind, detail, COALESCE(err, ''), created_at FROM events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = l.db.QueryContext(ctx,
			`SELECT jail, kind, detail, COALESCE(err, ''), created_at FROM events WHERE jail = ? ORDER BY id DESC LIMIT ?`, jail, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Jail, &e.Kind, &e.Detail, &e.Err, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
