// Package store provides the relational repository for users, sessions,
// participants and handoff requests. The encrypted blob store lives in the
// vault package, keyed by memory-slice id, deliberately separate from this
// schema.
package store

import (
	"context"
	"time"

	"github.com/hupe1980/hearthcore/core"
)

// Repository is the persistence boundary for relational state. Foreign keys
// are enforced at write time via upsert-then-reference: creating a session
// upserts its user inside the same transaction, so there is no window in
// which a session names a user that does not exist.
type Repository interface {
	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// GetUser returns the user or nil when absent.
	GetUser(ctx context.Context, userID string) (*core.User, error)

	// CreateSession atomically upserts the user and inserts the session with
	// its participant list.
	CreateSession(ctx context.Context, user *core.User, session *core.Session) error

	// GetSession returns the session (with participants) or nil when absent.
	GetSession(ctx context.Context, sessionID string) (*core.Session, error)

	// UpdateSessionStatus transitions the session lifecycle state.
	UpdateSessionStatus(ctx context.Context, sessionID string, status core.SessionStatus) error

	// UpdateTurnHolder persists the current turn holder; empty clears it.
	UpdateTurnHolder(ctx context.Context, sessionID, agentID string) error

	// AppendContextRef appends a memory-slice reference to the session's
	// context window, evicting the oldest refs beyond window.
	AppendContextRef(ctx context.Context, sessionID, sliceID string, window int) error

	// ContextRefs returns the session's context window, oldest first.
	ContextRefs(ctx context.Context, sessionID string) ([]string, error)

	// CloseIdleSessions closes active/paused sessions idle longer than ttl
	// and returns the ids of the sessions it closed, so callers can release
	// per-session runtime state.
	CloseIdleSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// CreateHandoff persists a new handoff request.
	CreateHandoff(ctx context.Context, req *core.HandoffRequest) error

	// GetHandoff returns the handoff request or nil when absent.
	GetHandoff(ctx context.Context, handoffID string) (*core.HandoffRequest, error)

	// UpdateHandoffStatus records a non-completing transition with its
	// timestamp.
	UpdateHandoffStatus(ctx context.Context, handoffID string, status core.HandoffStatus, at time.Time) error

	// CompleteHandoff commits the turn-holder update and the completed
	// status in a single transaction. It fails if the request is not
	// pending or accepted.
	CompleteHandoff(ctx context.Context, handoffID, sessionID, targetAgentID string, at time.Time) error

	// ListHandoffs returns all handoff requests for a session, newest first.
	ListHandoffs(ctx context.Context, sessionID string) ([]*core.HandoffRequest, error)

	// Close releases the underlying database.
	Close() error
}
