package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db    *sql.DB
	clock clockwork.Clock
	mu    sync.RWMutex
}

// NewSQLiteJournal opens (or creates) the journal database at dbPath.
// Use ":memory:" for an in-memory journal.
func NewSQLiteJournal(dbPath string, clock clockwork.Clock) (*SQLiteJournal, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	j := &SQLiteJournal{db: db, clock: clock}
	if err := j.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		operation TEXT NOT NULL,
		atom_id TEXT,
		agent_id TEXT,
		outcome TEXT NOT NULL,
		detail TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_atom ON entries(atom_id);
	CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_entries_operation ON entries(operation);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends a new entry.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO entries (id, operation, atom_id, agent_id, outcome, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Operation, e.AtomID, e.AgentID, e.Outcome, e.Detail, e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent returns the latest n entries, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, n int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, operation, atom_id, agent_id, outcome, detail, timestamp FROM entries ORDER BY seq DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByAtom returns all entries for one atom, oldest first.
func (j *SQLiteJournal) ByAtom(ctx context.Context, atomID string) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, operation, atom_id, agent_id, outcome, detail, timestamp FROM entries WHERE atom_id = ? ORDER BY seq", atomID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Operation, &e.AtomID, &e.AgentID, &e.Outcome, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}
