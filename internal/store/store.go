// Package store provides SQLite-backed persistence for the relay: sessions,
// machines, the append-only message log, and the per-user update sequence.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session, machine or message does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionMismatch is returned when a versioned write supplies a stale
// expected version. The caller receives the current value and version
// alongside it and is expected to rebase and retry.
var ErrVersionMismatch = errors.New("store: version mismatch")

// Session is the unit of synchronization. Metadata and AgentState are opaque
// encrypted blobs; the relay only tracks their versions.
type Session struct {
	ID                string `json:"id"`
	UserID            string `json:"userId"`
	Metadata          string `json:"metadata"`
	MetadataVersion   int64  `json:"metadataVersion"`
	AgentState        string `json:"agentState"`
	AgentStateVersion int64  `json:"agentStateVersion"`
	Active            bool   `json:"active"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

// Machine is a daemon host registered by a user.
type Machine struct {
	ID                 string `json:"id"`
	UserID             string `json:"userId"`
	Metadata           string `json:"metadata"`
	MetadataVersion    int64  `json:"metadataVersion"`
	DaemonState        string `json:"daemonState"`
	DaemonStateVersion int64  `json:"daemonStateVersion"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
}

// Message is one entry in a session's append-only log. Seq is allocated by
// the store, strictly increasing per session, gapless under this process.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	LocalID   string `json:"localId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Store provides relay persistence backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying relay store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions and messages tables and the per-user update
// sequence counter.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			metadata_version INTEGER NOT NULL DEFAULT 0,
			agent_state TEXT NOT NULL DEFAULT '',
			agent_state_version INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			local_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_local
			ON messages(session_id, local_id) WHERE local_id != '';

		CREATE TABLE IF NOT EXISTS update_seq (
			user_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// migrateV2 creates the machines table for daemon/host-level state.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			metadata_version INTEGER NOT NULL DEFAULT 0,
			daemon_state TEXT NOT NULL DEFAULT '',
			daemon_state_version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_machines_user ON machines(user_id);
	`)
	return err
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// CreateSession inserts a new session owned by userID. The id may be empty,
// in which case one is generated.
func (s *Store) CreateSession(userID, id, metadata string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	now := nowMilli()
	sess := &Session{
		ID:              id,
		UserID:          userID,
		Metadata:        metadata,
		MetadataVersion: 1,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, metadata, metadata_version, agent_state, agent_state_version, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', 0, 1, ?, ?)`,
		sess.ID, sess.UserID, sess.Metadata, sess.MetadataVersion, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by id. Returns ErrNotFound if absent.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(id)
}

func (s *Store) getSessionLocked(id string) (*Session, error) {
	var sess Session
	var active int
	err := s.db.QueryRow(
		`SELECT id, user_id, metadata, metadata_version, agent_state, agent_state_version, active, created_at, updated_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Metadata, &sess.MetadataVersion,
		&sess.AgentState, &sess.AgentStateVersion, &active, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Active = active != 0
	return &sess, nil
}

// ListSessions returns all sessions owned by userID, newest first.
func (s *Store) ListSessions(userID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, user_id, metadata, metadata_version, agent_state, agent_state_version, active, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		var active int
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Metadata, &sess.MetadataVersion,
			&sess.AgentState, &sess.AgentStateVersion, &active, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Active = active != 0
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AddMessages appends a batch of messages to a session's log in one
// transaction, allocating consecutive sequence numbers. Entries whose local id
// is already present in the log are not re-inserted; the existing message is
// returned instead, so a retried batch lands exactly once. Returns the
// persisted messages in input order.
func (s *Store) AddMessages(sessionID string, contents []string, localIDs []string) ([]Message, error) {
	if len(contents) != len(localIDs) {
		return nil, fmt.Errorf("contents/localIDs length mismatch: %d vs %d", len(contents), len(localIDs))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getSessionLocked(sessionID); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?", sessionID,
	).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("max seq: %w", err)
	}

	now := nowMilli()
	nextSeq := maxSeq + 1
	msgs := make([]Message, 0, len(contents))
	for i, content := range contents {
		if localIDs[i] != "" {
			var existing Message
			err := tx.QueryRow(
				`SELECT id, session_id, seq, local_id, content, created_at, updated_at
				FROM messages WHERE session_id = ? AND local_id = ?`,
				sessionID, localIDs[i],
			).Scan(&existing.ID, &existing.SessionID, &existing.Seq, &existing.LocalID,
				&existing.Content, &existing.CreatedAt, &existing.UpdatedAt)
			if err == nil {
				msgs = append(msgs, existing)
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("lookup local id: %w", err)
			}
		}
		msg := Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Seq:       nextSeq,
			LocalID:   localIDs[i],
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.Exec(
			`INSERT INTO messages (id, session_id, seq, local_id, content, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Seq, msg.LocalID, msg.Content, msg.CreatedAt, msg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		nextSeq++
		msgs = append(msgs, msg)
	}

	if _, err := tx.Exec(
		"UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msgs, nil
}

// AddMessage appends a single message.
func (s *Store) AddMessage(sessionID, content, localID string) (*Message, error) {
	msgs, err := s.AddMessages(sessionID, []string{content}, []string{localID})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessagesAfter pages through a session's log starting after the given
// sequence number. hasMore reports whether messages beyond the page exist.
func (s *Store) ListMessagesAfter(sessionID string, afterSeq int64, limit int) ([]Message, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, seq, local_id, content, created_at, updated_at
		FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.LocalID, &m.Content, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate messages: %w", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// UpdateSessionMetadata performs a versioned write of a session's metadata.
// On success it returns the new version. On stale expectedVersion it returns
// ErrVersionMismatch together with the current value and version.
func (s *Store) UpdateSessionMetadata(id, value string, expectedVersion int64) (int64, string, int64, error) {
	return s.versionedWrite("sessions", "metadata", "metadata_version", id, value, expectedVersion)
}

// UpdateSessionAgentState performs a versioned write of a session's agent
// state, with the same contract as UpdateSessionMetadata.
func (s *Store) UpdateSessionAgentState(id, value string, expectedVersion int64) (int64, string, int64, error) {
	return s.versionedWrite("sessions", "agent_state", "agent_state_version", id, value, expectedVersion)
}

// UpdateMachineMetadata performs a versioned write of a machine's metadata.
func (s *Store) UpdateMachineMetadata(id, value string, expectedVersion int64) (int64, string, int64, error) {
	return s.versionedWrite("machines", "metadata", "metadata_version", id, value, expectedVersion)
}

// UpdateMachineDaemonState performs a versioned write of a machine's daemon
// state.
func (s *Store) UpdateMachineDaemonState(id, value string, expectedVersion int64) (int64, string, int64, error) {
	return s.versionedWrite("machines", "daemon_state", "daemon_state_version", id, value, expectedVersion)
}

// versionedWrite is the shared optimistic-concurrency update. Table and
// column names come from a fixed internal set, never from user input.
func (s *Store) versionedWrite(table, valueCol, versionCol, id, value string, expectedVersion int64) (int64, string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, "", 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var curValue string
	var curVersion int64
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE id = ?", valueCol, versionCol, table)
	err = tx.QueryRow(query, id).Scan(&curValue, &curVersion)
	if err == sql.ErrNoRows {
		return 0, "", 0, ErrNotFound
	}
	if err != nil {
		return 0, "", 0, fmt.Errorf("read current version: %w", err)
	}

	if curVersion != expectedVersion {
		return 0, curValue, curVersion, ErrVersionMismatch
	}

	newVersion := curVersion + 1
	update := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, updated_at = ? WHERE id = ?", table, valueCol, versionCol)
	if _, err := tx.Exec(update, value, newVersion, nowMilli(), id); err != nil {
		return 0, "", 0, fmt.Errorf("versioned update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, "", 0, fmt.Errorf("commit: %w", err)
	}
	return newVersion, value, newVersion, nil
}

// NextUpdateSeq allocates the next per-user update sequence number.
func (s *Store) NextUpdateSeq(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO update_seq (user_id, seq) VALUES (?, 0) ON CONFLICT(user_id) DO NOTHING", userID,
	); err != nil {
		return 0, fmt.Errorf("ensure counter: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE update_seq SET seq = seq + 1 WHERE user_id = ?", userID,
	); err != nil {
		return 0, fmt.Errorf("bump counter: %w", err)
	}
	var seq int64
	if err := tx.QueryRow(
		"SELECT seq FROM update_seq WHERE user_id = ?", userID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// UpsertMachine registers a machine or refreshes its updated_at.
func (s *Store) UpsertMachine(userID, id, metadata string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMilli()
	_, err := s.db.Exec(
		`INSERT INTO machines (id, user_id, metadata, metadata_version, daemon_state, daemon_state_version, created_at, updated_at)
		VALUES (?, ?, ?, 1, '', 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, userID, metadata, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert machine: %w", err)
	}
	return s.getMachineLocked(id)
}

// GetMachine retrieves a machine by id. Returns ErrNotFound if absent.
func (s *Store) GetMachine(id string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMachineLocked(id)
}

func (s *Store) getMachineLocked(id string) (*Machine, error) {
	var m Machine
	err := s.db.QueryRow(
		`SELECT id, user_id, metadata, metadata_version, daemon_state, daemon_state_version, created_at, updated_at
		FROM machines WHERE id = ?`, id,
	).Scan(&m.ID, &m.UserID, &m.Metadata, &m.MetadataVersion,
		&m.DaemonState, &m.DaemonStateVersion, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return &m, nil
}
