package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/hearthcore/core"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		topic TEXT NOT NULL,
		turn_holder TEXT,
		turn_policy TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS session_participants (
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		position INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		PRIMARY KEY (session_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS session_context (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		slice_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_context ON session_context(session_id, id);

	CREATE TABLE IF NOT EXISTS handoff_requests (
		handoff_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		source_agent_id TEXT NOT NULL,
		target_agent_id TEXT NOT NULL,
		context_slice_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL,
		accepted_at INTEGER,
		rejected_at INTEGER,
		completed_at INTEGER,
		cancelled_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_handoffs_session ON handoff_requests(session_id, created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, created_at FROM users WHERE user_id = ?`, userID)

	var user core.User
	var createdAt int64
	err := row.Scan(&user.ID, &user.DisplayName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

// CreateSession atomically upserts the user and inserts the session plus its
// participant list. The user upsert and session insert share one transaction
// so a session can never reference a missing user.
func (s *SQLiteStore) CreateSession(ctx context.Context, user *core.User, session *core.Session) error {
	return s.withRetry(ctx, "create session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (user_id, display_name, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name`,
			user.ID, user.DisplayName, user.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}

		var holder interface{}
		if session.TurnHolder != "" {
			holder = session.TurnHolder
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, user_id, topic, turn_holder, turn_policy, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.UserID, session.Topic, holder, session.TurnPolicy,
			string(session.Status), session.CreatedAt.Unix(), session.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for i, agentID := range session.Participants {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO session_participants (session_id, position, agent_id) VALUES (?, ?, ?)`,
				session.ID, i, agentID)
			if err != nil {
				return fmt.Errorf("insert participant %s: %w", agentID, err)
			}
		}

		return tx.Commit()
	})
}

// GetSession retrieves a session with its ordered participant list.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, topic, turn_holder, turn_policy, status, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)

	var sess core.Session
	var holder sql.NullString
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Topic, &holder, &sess.TurnPolicy, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.TurnHolder = holder.String
	sess.Status = core.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM session_participants WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		sess.Participants = append(sess.Participants, agentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	return &sess, nil
}

// UpdateSessionStatus transitions the session lifecycle state.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status core.SessionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		string(status), time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(result, "session", sessionID)
}

// UpdateTurnHolder persists the current turn holder; empty clears it.
func (s *SQLiteStore) UpdateTurnHolder(ctx context.Context, sessionID, agentID string) error {
	var holder interface{}
	if agentID != "" {
		holder = agentID
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET turn_holder = ?, updated_at = ? WHERE session_id = ?`,
		holder, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("update turn holder: %w", err)
	}
	return requireRow(result, "session", sessionID)
}

// AppendContextRef appends a slice reference and evicts the oldest refs so
// at most window remain.
func (s *SQLiteStore) AppendContextRef(ctx context.Context, sessionID, sliceID string, window int) error {
	return s.withRetry(ctx, "append context ref", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_context (session_id, slice_id) VALUES (?, ?)`,
			sessionID, sliceID); err != nil {
			return fmt.Errorf("insert context ref: %w", err)
		}

		// FIFO eviction beyond the window.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM session_context WHERE session_id = ? AND id NOT IN (
				SELECT id FROM session_context WHERE session_id = ? ORDER BY id DESC LIMIT ?
			)`, sessionID, sessionID, window); err != nil {
			return fmt.Errorf("evict context refs: %w", err)
		}

		return tx.Commit()
	})
}

// ContextRefs returns the context window, oldest first.
func (s *SQLiteStore) ContextRefs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slice_id FROM session_context WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query context refs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var refs []string
	for rows.Next() {
		var sliceID string
		if err := rows.Scan(&sliceID); err != nil {
			return nil, fmt.Errorf("scan context ref: %w", err)
		}
		refs = append(refs, sliceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context refs: %w", err)
	}
	return refs, nil
}

// CloseIdleSessions closes sessions idle longer than ttl and returns their
// ids. Selection and update share one transaction so the returned ids are
// exactly the sessions this call closed.
func (s *SQLiteStore) CloseIdleSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var closed []string
	err := s.withRetry(ctx, "close idle sessions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		ids, err := idleSessionIDs(ctx, tx, threshold)
		if err != nil {
			return err
		}
		now := time.Now().Unix()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, turn_holder = NULL, updated_at = ? WHERE session_id = ?`,
				string(core.SessionClosed), now, id); err != nil {
				return fmt.Errorf("close session %s: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		closed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func idleSessionIDs(ctx context.Context, tx *sql.Tx, threshold int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE status IN (?, ?) AND updated_at < ?`,
		string(core.SessionActive), string(core.SessionPaused), threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return ids, nil
}

// CreateHandoff persists a new handoff request.
func (s *SQLiteStore) CreateHandoff(ctx context.Context, req *core.HandoffRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoff_requests
			(handoff_id, session_id, source_agent_id, target_agent_id, context_slice_id, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.SourceAgentID, req.TargetAgentID, req.ContextSliceID,
		string(req.Status), nullableString(req.Reason), req.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

// GetHandoff retrieves a handoff request by id.
func (s *SQLiteStore) GetHandoff(ctx context.Context, handoffID string) (*core.HandoffRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT handoff_id, session_id, source_agent_id, target_agent_id, context_slice_id,
		       status, reason, created_at, accepted_at, rejected_at, completed_at, cancelled_at
		FROM handoff_requests WHERE handoff_id = ?`, handoffID)
	req, err := scanHandoff(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan handoff row: %w", err)
	}
	return req, nil
}

// UpdateHandoffStatus records a non-completing transition with its timestamp.
func (s *SQLiteStore) UpdateHandoffStatus(ctx context.Context, handoffID string, status core.HandoffStatus, at time.Time) error {
	col, ok := transitionColumn(status)
	if !ok {
		return fmt.Errorf("status %q has no transition column", status)
	}
	query := fmt.Sprintf(`UPDATE handoff_requests SET status = ?, %s = ? WHERE handoff_id = ?`, col)
	result, err := s.db.ExecContext(ctx, query, string(status), at.Unix(), handoffID)
	if err != nil {
		return fmt.Errorf("update handoff status: %w", err)
	}
	return requireRow(result, "handoff", handoffID)
}

// CompleteHandoff commits turn transfer and completion as one transaction:
// the session's turn holder becomes the target and the request becomes
// completed, or neither happens. Readers therefore never observe a
// completed request whose session still names the source as holder.
func (s *SQLiteStore) CompleteHandoff(ctx context.Context, handoffID, sessionID, targetAgentID string, at time.Time) error {
	return s.withRetry(ctx, "complete handoff", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		result, err := tx.ExecContext(ctx, `
			UPDATE handoff_requests SET status = ?, completed_at = ?
			WHERE handoff_id = ? AND status IN (?, ?)`,
			string(core.HandoffCompleted), at.Unix(), handoffID,
			string(core.HandoffPending), string(core.HandoffAccepted))
		if err != nil {
			return fmt.Errorf("complete handoff request: %w", err)
		}
		if err := requireRow(result, "handoff", handoffID); err != nil {
			return err
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE sessions SET turn_holder = ?, updated_at = ? WHERE session_id = ?`,
			targetAgentID, at.Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("transfer turn: %w", err)
		}
		if err := requireRow(result, "session", sessionID); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// ListHandoffs returns all handoff requests for a session, newest first.
func (s *SQLiteStore) ListHandoffs(ctx context.Context, sessionID string) ([]*core.HandoffRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handoff_id, session_id, source_agent_id, target_agent_id, context_slice_id,
		       status, reason, created_at, accepted_at, rejected_at, completed_at, cancelled_at
		FROM handoff_requests WHERE session_id = ? ORDER BY created_at DESC, handoff_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query handoffs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var reqs []*core.HandoffRequest
	for rows.Next() {
		req, err := scanHandoff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handoff row: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handoffs: %w", err)
	}
	return reqs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries fn with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusy(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY"))
}

func requireRow(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s not found", entity, id)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func transitionColumn(status core.HandoffStatus) (string, bool) {
	switch status {
	case core.HandoffAccepted:
		return "accepted_at", true
	case core.HandoffRejected:
		return "rejected_at", true
	case core.HandoffCompleted:
		return "completed_at", true
	case core.HandoffCancelled:
		return "cancelled_at", true
	default:
		return "", false
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHandoff(row rowScanner) (*core.HandoffRequest, error) {
	var req core.HandoffRequest
	var status string
	var reason sql.NullString
	var createdAt int64
	var acceptedAt, rejectedAt, completedAt, cancelledAt sql.NullInt64

	err := row.Scan(&req.ID, &req.SessionID, &req.SourceAgentID, &req.TargetAgentID,
		&req.ContextSliceID, &status, &reason, &createdAt,
		&acceptedAt, &rejectedAt, &completedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}

	req.Status = core.HandoffStatus(status)
	req.Reason = reason.String
	req.CreatedAt = time.Unix(createdAt, 0)
	req.AcceptedAt = unixPtr(acceptedAt)
	req.RejectedAt = unixPtr(rejectedAt)
	req.CompletedAt = unixPtr(completedAt)
	req.CancelledAt = unixPtr(cancelledAt)
	return &req, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
