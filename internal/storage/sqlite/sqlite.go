package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/sandboxd/internal/storage"

	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// Fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteJournal implements storage.Journal backed by a SQLite database.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for a journal that lives only as long as the process.
func Open(dbPath string) (*SQLiteJournal, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteJournal{db: db, now: time.Now}, nil
}

func (s *SQLiteJournal) Append(ctx context.Context, e *storage.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, op, container_id, image, outcome, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Op, e.ContainerID, e.Image, string(e.Outcome), e.Detail, e.DurationMS,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) List(ctx context.Context, opts storage.ListOptions) ([]storage.Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, op, container_id, image, outcome, detail, duration_ms, created_at FROM events`
	var args []any

	if opts.Op != "" {
		query += ` WHERE op = ?`
		args = append(args, opts.Op)
	}

	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*storage.Event, error) {
	var e storage.Event
	var outcome, createdAt string
	err := s.Scan(&e.ID, &e.Op, &e.ContainerID, &e.Image, &outcome,
		&e.Detail, &e.DurationMS, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	e.Outcome = storage.Outcome(outcome)
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &e, nil
}

var _ storage.Journal = (*SQLiteJournal)(nil)
