package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// ErrNotFound is returned when a thread has no stored session.
var ErrNotFound = errors.New("statedb: not found")

// StateDB wraps a SQLite database holding the thread-to-session directory.
// Thread-safe for concurrent use from multiple goroutines within one process.
// A CLI process may read while the bot writes thanks to WAL mode + busy timeout.
type StateDB struct {
	db *sql.DB
}

// ThreadRow is one thread-session mapping. ThreadID and SessionID never
// change after insert; Muted is the only mutable column.
type ThreadRow struct {
	ThreadID  string
	SessionID string
	Muted     bool
	CreatedAt time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// PRAGMAs below are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and records the schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_id  TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			muted      INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create thread_sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_thread_sessions_created ON thread_sessions(created_at)
	`); err != nil {
		return fmt.Errorf("statedb: create index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Thread directory ---

// GetThread returns the mapping for threadID, or ErrNotFound.
func (s *StateDB) GetThread(threadID string) (*ThreadRow, error) {
	row := s.db.QueryRow(
		"SELECT thread_id, session_id, muted, created_at FROM thread_sessions WHERE thread_id = ?",
		threadID,
	)
	r, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get thread %s: %w", threadID, err)
	}
	return r, nil
}

// InsertThread writes a mapping. A second insert for the same thread
// replaces the previous row (last writer wins).
func (s *StateDB) InsertThread(r *ThreadRow) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO thread_sessions (thread_id, session_id, muted, created_at)
		VALUES (?, ?, ?, ?)`,
		r.ThreadID, r.SessionID, boolToInt(r.Muted), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("statedb: insert thread %s: %w", r.ThreadID, err)
	}
	return nil
}

// SetThreadMuted updates only the muted flag. Returns ErrNotFound when the
// thread has no row.
func (s *StateDB) SetThreadMuted(threadID string, muted bool) error {
	res, err := s.db.Exec(
		"UPDATE thread_sessions SET muted = ? WHERE thread_id = ?",
		boolToInt(muted), threadID,
	)
	if err != nil {
		return fmt.Errorf("statedb: set muted %s: %w", threadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("statedb: set muted %s: %w", threadID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListThreads returns mappings created at or after since, newest first.
// A zero since returns every row.
func (s *StateDB) ListThreads(since time.Time) ([]*ThreadRow, error) {
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixMilli()
	}
	rows, err := s.db.Query(`
		SELECT thread_id, session_id, muted, created_at FROM thread_sessions
		WHERE created_at >= ? ORDER BY created_at DESC, thread_id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("statedb: list threads: %w", err)
	}
	defer rows.Close()

	var result []*ThreadRow
	for rows.Next() {
		r, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan thread: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ThreadCount returns the number of stored mappings.
func (s *StateDB) ThreadCount() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM thread_sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("statedb: count threads: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(sc scanner) (*ThreadRow, error) {
	var (
		r       ThreadRow
		muted   int
		created int64
	)
	if err := sc.Scan(&r.ThreadID, &r.SessionID, &muted, &created); err != nil {
		return nil, err
	}
	r.Muted = muted != 0
	r.CreatedAt = time.UnixMilli(created)
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	); err != nil {
		return fmt.Errorf("statedb: set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
