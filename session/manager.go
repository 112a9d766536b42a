package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/logging"
	"github.com/hupe1980/hearthcore/store"
)

// Options configures the session manager.
type Options struct {
	// ContextWindow is the maximum number of memory-slice references kept
	// per session; older references are evicted FIFO.
	ContextWindow int
	// Logger receives structured session events. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager coordinates sessions and turn state on top of the relational
// repository. Safe for concurrent use.
type Manager struct {
	repo   store.Repository
	logger logging.Logger
	window int

	mu     sync.Mutex
	states map[string]*sessionState
}

// sessionState is the per-session runtime state: the turn lock and the
// FIFO queue of pending turn requests. The persisted turn holder lives in
// the repository; the queue is process-local (the system is single-node).
type sessionState struct {
	mu    sync.Mutex
	queue []*turnWaiter
}

type turnWaiter struct {
	agentID string
	notify  chan core.TurnGrant
}

// NewManager creates a session manager backed by repo.
func NewManager(repo store.Repository, optFns ...func(o *Options)) *Manager {
	opts := Options{
		ContextWindow: 16,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		repo:   repo,
		logger: logging.OrNoOp(opts.Logger),
		window: opts.ContextWindow,
		states: make(map[string]*sessionState),
	}
}

// state returns (creating lazily) the runtime state for a session.
func (m *Manager) state(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		st = &sessionState{}
		m.states[sessionID] = st
	}
	return st
}

// discard drops the runtime entry when it has no queued waiters. Called
// with st.mu held, on lookups against unknown or closed sessions, which
// would otherwise grow the states map without bound.
func (m *Manager) discard(sessionID string, st *sessionState) {
	if len(st.queue) != 0 {
		return
	}
	m.mu.Lock()
	if cur, ok := m.states[sessionID]; ok && cur == st {
		delete(m.states, sessionID)
	}
	m.mu.Unlock()
}

// loadLocked loads the session while st.mu is held, discarding the runtime
// entry when the session does not exist.
func (m *Manager) loadLocked(ctx context.Context, op, sessionID string, st *sessionState) (*core.Session, error) {
	sess, err := m.load(ctx, op, sessionID)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			m.discard(sessionID, st)
		}
		return nil, err
	}
	return sess, nil
}

// CreateSession creates a session owned by userID with the given ordered
// participant list. The user record is upserted in the same transaction as
// the session insert, so the session can never reference a missing user.
// The first participant becomes the initial turn holder.
func (m *Manager) CreateSession(ctx context.Context, userID, topic string, participants []string) (*core.Session, error) {
	const op = "session.create"
	if userID == "" {
		return nil, core.Ef(op, core.KindValidation, "user", "", "user id is required")
	}
	if len(participants) == 0 {
		return nil, core.Ef(op, core.KindValidation, "session", "", "participants must not be empty")
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" {
			return nil, core.Ef(op, core.KindValidation, "session", "", "participant ids must not be empty")
		}
		if seen[p] {
			return nil, core.Ef(op, core.KindValidation, "session", "", "duplicate participant %q", p)
		}
		seen[p] = true
	}

	now := time.Now()
	sess := &core.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Topic:        topic,
		Participants: append([]string(nil), participants...),
		TurnHolder:   participants[0],
		TurnPolicy:   core.TurnPolicyFIFO,
		Status:       core.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	user := &core.User{ID: userID, DisplayName: userID, CreatedAt: now}

	if err := m.repo.CreateSession(ctx, user, sess); err != nil {
		return nil, persistErr(op, "session", sess.ID, err)
	}

	m.logger.Info("session created", "session_id", sess.ID, "user_id", userID, "participants", len(participants))
	return sess.Clone(), nil
}

// Get returns the session or a NotFound error.
func (m *Manager) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	return m.load(ctx, "session.get", sessionID)
}

// RequestTurn grants the turn immediately when the session has no holder,
// otherwise enqueues the request in arrival order and returns a queued
// decision. It never blocks; queued callers poll or wait on the decision's
// Notify channel. A request against a paused session resumes it.
func (m *Manager) RequestTurn(ctx context.Context, sessionID, agentID string) (*core.TurnDecision, error) {
	const op = "session.requestTurn"
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.loadLocked(ctx, op, sessionID, st)
	if err != nil {
		return nil, err
	}
	if sess.Status == core.SessionClosed {
		m.discard(sessionID, st)
		return nil, core.Ef(op, core.KindInvalidState, "session", sessionID, "session is closed")
	}
	if !sess.HasParticipant(agentID) {
		return nil, core.Ef(op, core.KindNotFound, "agent", agentID, "agent is not a session participant")
	}

	if sess.Status == core.SessionPaused {
		if err := m.repo.UpdateSessionStatus(ctx, sessionID, core.SessionActive); err != nil {
			return nil, persistErr(op, "session", sessionID, err)
		}
	}

	if sess.TurnHolder == "" || sess.TurnHolder == agentID {
		if sess.TurnHolder == "" {
			if err := m.repo.UpdateTurnHolder(ctx, sessionID, agentID); err != nil {
				return nil, persistErr(op, "session", sessionID, err)
			}
		}
		m.logger.Debug("turn granted", "session_id", sessionID, "agent_id", agentID)
		return &core.TurnDecision{
			Status:    core.TurnGranted,
			SessionID: sessionID,
			AgentID:   agentID,
			GrantedAt: time.Now(),
		}, nil
	}

	// Busy: enqueue in arrival order, once per agent.
	for i, w := range st.queue {
		if w.agentID == agentID {
			return &core.TurnDecision{
				Status:    core.TurnQueued,
				SessionID: sessionID,
				AgentID:   agentID,
				Position:  i + 1,
				Notify:    w.notify,
			}, nil
		}
	}
	w := &turnWaiter{agentID: agentID, notify: make(chan core.TurnGrant, 1)}
	st.queue = append(st.queue, w)
	m.logger.Debug("turn queued", "session_id", sessionID, "agent_id", agentID, "position", len(st.queue))
	return &core.TurnDecision{
		Status:    core.TurnQueued,
		SessionID: sessionID,
		AgentID:   agentID,
		Position:  len(st.queue),
		Notify:    w.notify,
	}, nil
}

// ReleaseTurn gives up the turn. Only the current holder may release; on
// success the head of the FIFO queue (if any) is promoted to holder and
// notified, otherwise the holder is cleared.
func (m *Manager) ReleaseTurn(ctx context.Context, sessionID, agentID string) error {
	const op = "session.releaseTurn"
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.loadLocked(ctx, op, sessionID, st)
	if err != nil {
		return err
	}
	if sess.Status == core.SessionClosed {
		m.discard(sessionID, st)
		return core.Ef(op, core.KindInvalidState, "session", sessionID, "session is closed")
	}
	if sess.TurnHolder != agentID {
		return core.Ef(op, core.KindPermission, "session", sessionID, "agent %q does not hold the turn", agentID)
	}

	next := ""
	var promoted *turnWaiter
	if len(st.queue) > 0 {
		promoted = st.queue[0]
		st.queue = st.queue[1:]
		next = promoted.agentID
	}

	if err := m.repo.UpdateTurnHolder(ctx, sessionID, next); err != nil {
		// Restore the queue head: the turn was not transferred.
		if promoted != nil {
			st.queue = append([]*turnWaiter{promoted}, st.queue...)
		}
		return persistErr(op, "session", sessionID, err)
	}

	if promoted != nil {
		grant := core.TurnGrant{SessionID: sessionID, AgentID: next, GrantedAt: time.Now()}
		promoted.notify <- grant // buffered, never blocks
		close(promoted.notify)
		m.logger.Debug("turn promoted", "session_id", sessionID, "agent_id", next)
	} else {
		m.logger.Debug("turn released", "session_id", sessionID, "agent_id", agentID)
	}
	return nil
}

// TransferTurn atomically moves the turn from source to target by running
// commit under the session's turn lock. commit must persist the turn
// transfer together with any associated record updates in a single
// transaction; the handoff coordinator passes the handoff-completion
// transaction here. The target is removed from the queue if it was
// waiting.
func (m *Manager) TransferTurn(ctx context.Context, sessionID, sourceID, targetID string, commit func(context.Context) error) error {
	const op = "session.transferTurn"
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.loadLocked(ctx, op, sessionID, st)
	if err != nil {
		return err
	}
	if sess.Status == core.SessionClosed {
		m.discard(sessionID, st)
		return core.Ef(op, core.KindInvalidState, "session", sessionID, "session is closed")
	}
	if sess.TurnHolder != sourceID {
		return core.Ef(op, core.KindPermission, "session", sessionID, "agent %q does not hold the turn", sourceID)
	}
	if !sess.HasParticipant(targetID) {
		return core.Ef(op, core.KindNotFound, "agent", targetID, "agent is not a session participant")
	}

	if err := commit(ctx); err != nil {
		return err
	}

	for i, w := range st.queue {
		if w.agentID == targetID {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			grant := core.TurnGrant{SessionID: sessionID, AgentID: targetID, GrantedAt: time.Now()}
			w.notify <- grant
			close(w.notify)
			break
		}
	}
	return nil
}

// HoldsTurn reports whether agentID currently holds the session turn.
func (m *Manager) HoldsTurn(ctx context.Context, sessionID, agentID string) (bool, error) {
	sess, err := m.load(ctx, "session.holdsTurn", sessionID)
	if err != nil {
		return false, err
	}
	return sess.TurnHolder == agentID, nil
}

// PropagateContext attaches a memory-slice reference to the session's
// context window, evicting the oldest reference once the window is full.
func (m *Manager) PropagateContext(ctx context.Context, sessionID, sliceID string) error {
	const op = "session.propagateContext"
	if sliceID == "" {
		return core.Ef(op, core.KindValidation, "slice", "", "slice id is required")
	}
	sess, err := m.load(ctx, op, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == core.SessionClosed {
		return core.Ef(op, core.KindInvalidState, "session", sessionID, "session is closed")
	}
	if err := m.repo.AppendContextRef(ctx, sessionID, sliceID, m.window); err != nil {
		return persistErr(op, "session", sessionID, err)
	}
	return nil
}

// ContextWindow returns the session's memory-slice references, oldest
// first.
func (m *Manager) ContextWindow(ctx context.Context, sessionID string) ([]string, error) {
	const op = "session.contextWindow"
	if _, err := m.load(ctx, op, sessionID); err != nil {
		return nil, err
	}
	refs, err := m.repo.ContextRefs(ctx, sessionID)
	if err != nil {
		return nil, persistErr(op, "session", sessionID, err)
	}
	return refs, nil
}

// Pause suspends an active session. A subsequent turn request resumes it.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	const op = "session.pause"
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.loadLocked(ctx, op, sessionID, st)
	if err != nil {
		return err
	}
	if sess.Status != core.SessionActive {
		return core.Ef(op, core.KindInvalidState, "session", sessionID, "session is %s", sess.Status)
	}
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, core.SessionPaused); err != nil {
		return persistErr(op, "session", sessionID, err)
	}
	return nil
}

// Close terminates a session. Closed is terminal: every subsequent
// operation fails with an invalid-state error. Queued turn waiters are
// released without a grant.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	const op = "session.close"
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.loadLocked(ctx, op, sessionID, st)
	if err != nil {
		return err
	}
	if sess.Status == core.SessionClosed {
		m.discard(sessionID, st)
		return core.Ef(op, core.KindInvalidState, "session", sessionID, "session is already closed")
	}
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, core.SessionClosed); err != nil {
		return persistErr(op, "session", sessionID, err)
	}
	if err := m.repo.UpdateTurnHolder(ctx, sessionID, ""); err != nil {
		return persistErr(op, "session", sessionID, err)
	}

	for _, w := range st.queue {
		close(w.notify)
	}
	st.queue = nil
	m.discard(sessionID, st)

	m.logger.Info("session closed", "session_id", sessionID)
	return nil
}

// CloseIdle closes sessions idle longer than ttl and reports how many were
// closed. Queued waiters of every closed session are released without a
// grant, same as Close. Used by the TTL janitor.
func (m *Manager) CloseIdle(ctx context.Context, ttl time.Duration) (int64, error) {
	ids, err := m.repo.CloseIdleSessions(ctx, ttl)
	if err != nil {
		return 0, persistErr("session.closeIdle", "session", "", err)
	}
	for _, id := range ids {
		m.releaseWaiters(id)
	}
	if len(ids) > 0 {
		m.logger.Info("idle sessions closed", "count", len(ids))
	}
	return int64(len(ids)), nil
}

// releaseWaiters closes the notify channels of every queued waiter for a
// session whose repository record is already closed, and drops the runtime
// entry.
func (m *Manager) releaseWaiters(sessionID string) {
	m.mu.Lock()
	st, ok := m.states[sessionID]
	if ok {
		delete(m.states, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	for _, w := range st.queue {
		close(w.notify)
	}
	st.queue = nil
	st.mu.Unlock()
}

func (m *Manager) load(ctx context.Context, op, sessionID string) (*core.Session, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, persistErr(op, "session", sessionID, err)
	}
	if sess == nil {
		return nil, core.Ef(op, core.KindNotFound, "session", sessionID, "session not found")
	}
	return sess, nil
}

func persistErr(op, entity, id string, err error) error {
	kind := core.KindPersistence
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = core.KindTimeout
	}
	return core.E(op, kind, entity, id, err)
}
