package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vesselvm/vessel/internal/model"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    container_id TEXT NOT NULL,
    operation    TEXT NOT NULL,
    from_status  TEXT,
    to_status    TEXT,
    created_at   DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_events_container ON events(container_id, id)`

// Compile-time interface satisfaction check.
var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the SQLite database at dbPath and runs migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	if _, err := db.Exec(createEventsIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events index: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// Append inserts one lifecycle event.
func (s *SQLiteJournal) Append(ctx context.Context, e *model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (container_id, operation, from_status, to_status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ContainerID, e.Operation, string(e.FromStatus), string(e.ToStatus), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsFor returns all events for a container in insertion order.
func (s *SQLiteJournal) EventsFor(ctx context.Context, containerID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, container_id, operation, from_status, to_status, created_at
		 FROM events WHERE container_id = ? ORDER BY id`, containerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var from, to string
		if err := rows.Scan(&e.ID, &e.ContainerID, &e.Operation, &from, &to, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.FromStatus = model.Status(from)
		e.ToStatus = model.Status(to)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	return events, nil
}
