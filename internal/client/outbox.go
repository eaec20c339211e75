package client

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// outboxEntry is one queued outgoing message plus its row id, so a flush can
// delete exactly the rows it sent.
type outboxEntry struct {
	rowID   int64
	content string
	localID string
}

// Outbox is the SQLite-backed queue of not-yet-acknowledged outgoing
// messages. Entries survive process restarts; only a relay ack removes them.
type Outbox struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenOutbox creates or opens the outbox database at path.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Close closes the outbox database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue appends ciphertext to the queue. INSERT OR IGNORE on local_id gives
// crash-recovery dedup.
func (o *Outbox) Enqueue(content, localID string, createdAt int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.db.Exec(
		"INSERT OR IGNORE INTO outbox (local_id, content, created_at) VALUES (?, ?, ?)",
		localID, content, createdAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Snapshot returns the entire current queue in insertion order. A flush posts
// exactly this snapshot and later deletes exactly these rows; entries added
// during the in-flight request stay queued for the next run.
func (o *Outbox) Snapshot() ([]outboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rows, err := o.db.Query("SELECT id, local_id, content FROM outbox ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.rowID, &e.localID, &e.content); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes exactly the given rows, by row id.
func (o *Outbox) Delete(entries []outboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	tx, err := o.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, e := range entries {
		if _, err := tx.Exec("DELETE FROM outbox WHERE id = ?", e.rowID); err != nil {
			return fmt.Errorf("delete outbox row %d: %w", e.rowID, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of queued entries.
func (o *Outbox) Count() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int
	if err := o.db.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
