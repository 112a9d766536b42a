package core

import (
	"slices"
	"time"
)

// User owns sessions. A session never references a user id that does not
// exist: session creation upserts the user in the same transaction.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStatus is the session lifecycle state. Closed is terminal.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionClosed SessionStatus = "closed"
)

// TurnPolicyFIFO grants turns strictly in arrival order of turn requests.
// It is currently the only policy; the field exists so sessions persist the
// policy they were created under.
const TurnPolicyFIFO = "fifo"

// Session is a bounded, turn-disciplined conversation among participant
// agents. At most one participant holds the turn at any instant, and the
// holder is always a member of Participants.
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Topic        string        `json:"topic"`
	Participants []string      `json:"participants"`
	TurnHolder   string        `json:"turn_holder,omitempty"`
	TurnPolicy   string        `json:"turn_policy"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HasParticipant reports whether agentID is a member of the session.
func (s *Session) HasParticipant(agentID string) bool {
	return slices.Contains(s.Participants, agentID)
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Participants = slices.Clone(s.Participants)
	return &clone
}

// TurnStatus is the outcome classification of a turn request.
type TurnStatus string

const (
	// TurnGranted means the requester became the holder immediately.
	TurnGranted TurnStatus = "granted"
	// TurnQueued means the request was enqueued in arrival order.
	TurnQueued TurnStatus = "queued"
)

// TurnGrant records a turn being handed to an agent.
type TurnGrant struct {
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	GrantedAt time.Time `json:"granted_at"`
}

// TurnDecision is the immediate, non-blocking result of a turn request.
// Queued callers may poll or wait on Notify, which receives exactly one
// grant when the queue head is promoted. Notify is nil for granted
// decisions.
type TurnDecision struct {
	Status    TurnStatus       `json:"status"`
	SessionID string           `json:"session_id"`
	AgentID   string           `json:"agent_id"`
	Position  int              `json:"position,omitempty"` // 1-based queue position when queued
	GrantedAt time.Time        `json:"granted_at,omitzero"`
	Notify    <-chan TurnGrant `json:"-"`
}

// MemorySlice is the caller-visible handle for an encrypted unit of context.
// Ciphertext never leaves the vault; everything else references slices by id.
// Fingerprint is the BLAKE3-256 hex digest of the plaintext, which makes
// writes idempotent per session.
type MemorySlice struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id,omitempty"` // empty for session-shared slices
	KeyID       string    `json:"key_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// KeyStatus is the lifecycle state of a vault encryption key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
	KeyRevoked KeyStatus = "revoked"
)

// EncryptionKey is key metadata. Key material is confined to the vault
// boundary and never appears on this type.
type EncryptionKey struct {
	ID        string    `json:"id"`
	Status    KeyStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// PluginStatus is the plugin lifecycle state.
type PluginStatus string

const (
	PluginInactive PluginStatus = "inactive"
	PluginActive   PluginStatus = "active"
	PluginError    PluginStatus = "error"
)

// BreakerState is the circuit breaker state guarding plugin execution.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// HandoffStatus is the lifecycle state of a cross-agent handoff request.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffAccepted  HandoffStatus = "accepted"
	HandoffRejected  HandoffStatus = "rejected"
	HandoffCompleted HandoffStatus = "completed"
	HandoffCancelled HandoffStatus = "cancelled"
)

// HandoffRequest records a transfer of turn and context between two agents.
// A request reaches completed only after the target's capability is
// confirmed and the session turn holder is updated in the same committed
// unit; each transition stamps its timestamp.
type HandoffRequest struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	SourceAgentID  string        `json:"source_agent_id"`
	TargetAgentID  string        `json:"target_agent_id"`
	ContextSliceID string        `json:"context_slice_id"`
	Status         HandoffStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	AcceptedAt     *time.Time    `json:"accepted_at,omitempty"`
	RejectedAt     *time.Time    `json:"rejected_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy of the request.
func (h *HandoffRequest) Clone() *HandoffRequest {
	clone := *h
	clone.AcceptedAt = cloneTime(h.AcceptedAt)
	clone.RejectedAt = cloneTime(h.RejectedAt)
	clone.CompletedAt = cloneTime(h.CompletedAt)
	clone.CancelledAt = cloneTime(h.CancelledAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
