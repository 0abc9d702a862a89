// Package journal persists glintd's operational events to a small
// SQLite database so `glintctl events` can show what the daemon did
// and when, across restarts.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindEngineStart     Kind = "engine_start"
	KindEngineStop      Kind = "engine_stop"
	KindCrashRecovered  Kind = "crash_recovered"
	KindOrphanKilled    Kind = "orphan_killed"
	KindShimReconnect   Kind = "shim_reconnect"
	KindVersionMismatch Kind = "version_mismatch"
	KindAppearanceFlip  Kind = "appearance_flip"
	KindSettingsReload  Kind = "settings_reload"
	KindCaptureDenied   Kind = "capture_denied"
	KindDisplayChange   Kind = "display_change"
)

// Entry is one recorded event.
type Entry struct {
	ID     int64
	Time   time.Time
	Kind   Kind
	Detail string
}

// Query filters Entries. Zero values mean "no filter" and the limit
// defaults to 100.
type Query struct {
	Kind  Kind
	Since time.Time
	Limit int
}

const schema = `
CREATE TABLE IF NOT EXISTS journal (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns INTEGER NOT NULL,
    kind         TEXT NOT NULL,
    detail       TEXT
);

CREATE INDEX IF NOT EXISTS idx_journal_timestamp ON journal(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(kind, timestamp_ns);
`

// Journal is the SQLite-backed event journal.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at the given path and
// applies the schema.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record inserts an entry timestamped now and returns its ID.
func (j *Journal) Record(kind Kind, detail string) (int64, error) {
	result, err := j.db.Exec(`
		INSERT INTO journal (timestamp_ns, kind, detail)
		VALUES (?, ?, ?)`,
		time.Now().UnixNano(), string(kind), detail,
	)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.Query(`
		SELECT id, timestamp_ns, kind, detail
		FROM journal
		ORDER BY id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Entries returns entries matching the query, newest first.
func (j *Journal) Entries(q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var sinceNs int64
	if !q.Since.IsZero() {
		sinceNs = q.Since.UnixNano()
	}

	var (
		rows *sql.Rows
		err  error
	)
	if q.Kind != "" {
		rows, err = j.db.Query(`
			SELECT id, timestamp_ns, kind, detail
			FROM journal
			WHERE timestamp_ns >= ? AND kind = ?
			ORDER BY id DESC
			LIMIT ?`, sinceNs, string(q.Kind), limit,
		)
	} else {
		rows, err = j.db.Query(`
			SELECT id, timestamp_ns, kind, detail
			FROM journal
			WHERE timestamp_ns >= ?
			ORDER BY id DESC
			LIMIT ?`, sinceNs, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Prune deletes entries older than the cutoff and returns how many
// were removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	result, err := j.db.Exec(
		`DELETE FROM journal WHERE timestamp_ns < ?`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return n, nil
}

// Count returns the number of stored entries.
func (j *Journal) Count() (int64, error) {
	var n int64
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// scanEntries scans entry rows into a slice.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry

	for rows.Next() {
		var (
			e    Entry
			ns   int64
			kind string
		)
		if err := rows.Scan(&e.ID, &ns, &kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Time = time.Unix(0, ns)
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return entries, nil
}
