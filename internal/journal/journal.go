// Package journal keeps a SQLite record of every request the engine issued
// and how it ended.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

var ErrEntryNotFound = errors.New("journal entry not found")

// DefaultListLimit is used when List is called without a positive limit.
const DefaultListLimit = 100

// Journal stores model.JournalEntry rows. It satisfies engine.Recorder.
type Journal struct {
	db     *sql.DB
	ownsDB bool
	logger logging.Logger
}

// New runs the schema against db and returns a Journal on top of it. The
// caller keeps ownership of db.
func New(db *sql.DB, logger logging.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Journal{db: db, logger: logger.With(logging.Field{Key: "component", Value: "journal"})}, nil
}

// Open opens (or creates) the SQLite database at path and returns a Journal
// that closes it on Close.
func Open(path string, logger logging.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal pragmas: %w", err)
	}

	j, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.ownsDB = true
	j.logger.Info("journal opened", logging.Field{Key: "path", Value: path})
	return j, nil
}

// RecordIssued inserts a new entry.
func (j *Journal) RecordIssued(ctx context.Context, e model.JournalEntry) error {
	if e.Outcome == "" {
		e.Outcome = model.OutcomePending
	}
	if e.IssuedAt.IsZero() {
		e.IssuedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO requests (id, handle, method, url, status, outcome, error, issued_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, int64(e.Handle), e.Method, e.URL, e.Status, string(e.Outcome), e.Error, e.IssuedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// RecordOutcome marks entry id as finished.
func (j *Journal) RecordOutcome(ctx context.Context, id string, outcome model.Outcome, status int, errMsg string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE requests
         SET outcome = ?, status = ?, error = ?, finished_at = ?
         WHERE id = ?`,
		string(outcome), status, errMsg, time.Now().UTC().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update journal entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return nil
}

// Get returns one entry by id.
func (j *Journal) Get(ctx context.Context, id string) (*model.JournalEntry, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, handle, method, url, status, outcome, error, issued_at, finished_at
         FROM requests
         WHERE id = ?
         LIMIT 1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns the newest entries first.
func (j *Journal) List(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, handle, method, url, status, outcome, error, issued_at, finished_at
         FROM requests
         ORDER BY issued_at DESC, rowid DESC
         LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.JournalEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*model.JournalEntry, error) {
	var (
		e        model.JournalEntry
		handle   int64
		outcome  string
		issued   int64
		finished sql.NullInt64
	)
	if err := s.Scan(&e.ID, &handle, &e.Method, &e.URL, &e.Status, &outcome, &e.Error, &issued, &finished); err != nil {
		return nil, err
	}
	e.Handle = model.Handle(handle)
	e.Outcome = model.Outcome(outcome)
	e.IssuedAt = time.Unix(0, issued).UTC()
	if finished.Valid {
		e.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return &e, nil
}

// Close closes the database if the Journal opened it.
func (j *Journal) Close() error {
	if !j.ownsDB {
		return nil
	}
	return j.db.Close()
}
