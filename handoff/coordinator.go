package handoff

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/logging"
	"github.com/hupe1980/hearthcore/session"
	"github.com/hupe1980/hearthcore/store"
)

// CapabilityChecker reports whether an agent backed by a registered plugin
// is currently able to take work. Satisfied by the plugin registry.
type CapabilityChecker interface {
	IsActive(name string) bool
	// Knows reports whether the agent is registered at all. Unregistered
	// agents are judged by session participation alone.
	Knows(name string) bool
}

// Options configures the coordinator.
type Options struct {
	// Capabilities, when set, lets the plugin registry veto targets whose
	// plugin is registered but not active.
	Capabilities CapabilityChecker
	// Logger receives structured handoff events. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Coordinator runs the handoff protocol over the session manager and the
// relational repository.
type Coordinator struct {
	sessions     *session.Manager
	repo         store.Repository
	capabilities CapabilityChecker
	logger       logging.Logger
}

// NewCoordinator creates a handoff coordinator.
func NewCoordinator(sessions *session.Manager, repo store.Repository, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{
		sessions:     sessions,
		repo:         repo,
		capabilities: opts.Capabilities,
		logger:       logging.OrNoOp(opts.Logger),
	}
}

// Initiate runs the handoff protocol:
//
//  1. the source must hold the session turn,
//  2. the target must be a capable participant,
//  3. the request is persisted pending,
//  4. turn transfer and completion commit in one transaction under the
//     session's turn lock.
//
// A failure at step 1 or 2 persists the request rejected with the reason;
// a failure at step 4 leaves it cancelled. In both cases the turn is
// unchanged.
func (c *Coordinator) Initiate(ctx context.Context, sessionID, sourceID, targetID, contextSliceID string) (*core.HandoffRequest, error) {
	const op = "handoff.initiate"

	req := &core.HandoffRequest{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		SourceAgentID:  sourceID,
		TargetAgentID:  targetID,
		ContextSliceID: contextSliceID,
		Status:         core.HandoffPending,
		CreatedAt:      time.Now(),
	}

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == core.SessionClosed {
		return nil, core.Ef(op, core.KindInvalidState, "session", sessionID, "session is closed")
	}

	if sess.TurnHolder != sourceID {
		return c.reject(ctx, req, "source does not hold the turn",
			core.Ef(op, core.KindPermission, "session", sessionID, "agent %q does not hold the turn", sourceID))
	}
	if !sess.HasParticipant(targetID) {
		return c.reject(ctx, req, "target is not a session participant",
			core.Ef(op, core.KindNotFound, "agent", targetID, "agent is not a session participant"))
	}
	if c.capabilities != nil && c.capabilities.Knows(targetID) && !c.capabilities.IsActive(targetID) {
		return c.reject(ctx, req, "target plugin is not active",
			core.Ef(op, core.KindNotFound, "agent", targetID, "target plugin is not active"))
	}

	if err := c.repo.CreateHandoff(ctx, req); err != nil {
		return nil, core.E(op, core.KindPersistence, "handoff", req.ID, err)
	}

	commit := func(ctx context.Context) error {
		return c.repo.CompleteHandoff(ctx, req.ID, sessionID, targetID, time.Now())
	}
	if err := c.sessions.TransferTurn(ctx, sessionID, sourceID, targetID, commit); err != nil {
		now := time.Now()
		if updErr := c.repo.UpdateHandoffStatus(ctx, req.ID, core.HandoffCancelled, now); updErr != nil {
			c.logger.Error("cancelling failed handoff", "handoff_id", req.ID, "error", updErr)
		}
		c.logger.Warn("handoff cancelled", "handoff_id", req.ID,
			"session_id", sessionID, "source", sourceID, "target", targetID, "error", err)
		return nil, err
	}

	completed, err := c.repo.GetHandoff(ctx, req.ID)
	if err != nil || completed == nil {
		// The transfer committed; fall back to the in-memory view.
		now := time.Now()
		req.Status = core.HandoffCompleted
		req.CompletedAt = &now
		completed = req
	}

	c.logger.Info("handoff completed", "handoff_id", req.ID,
		"session_id", sessionID, "source", sourceID, "target", targetID)
	return completed, nil
}

// reject persists the request in the rejected state with the reason and
// returns cause. A persistence failure here is logged, not surfaced; the
// caller's error is the protocol violation.
func (c *Coordinator) reject(ctx context.Context, req *core.HandoffRequest, reason string, cause error) (*core.HandoffRequest, error) {
	now := time.Now()
	req.Status = core.HandoffRejected
	req.RejectedAt = &now
	req.Reason = reason

	if err := c.repo.CreateHandoff(ctx, req); err != nil {
		c.logger.Error("recording rejected handoff", "handoff_id", req.ID, "error", err)
	} else if err := c.repo.UpdateHandoffStatus(ctx, req.ID, core.HandoffRejected, now); err != nil {
		c.logger.Error("recording rejected handoff status", "handoff_id", req.ID, "error", err)
	}
	return nil, cause
}

// Cancel withdraws a pending handoff. Only pending requests may be
// cancelled.
func (c *Coordinator) Cancel(ctx context.Context, handoffID string) error {
	const op = "handoff.cancel"
	req, err := c.get(ctx, op, handoffID)
	if err != nil {
		return err
	}
	if req.Status != core.HandoffPending {
		return core.Ef(op, core.KindInvalidState, "handoff", handoffID, "handoff is %s", req.Status)
	}
	if err := c.repo.UpdateHandoffStatus(ctx, handoffID, core.HandoffCancelled, time.Now()); err != nil {
		return core.E(op, core.KindPersistence, "handoff", handoffID, err)
	}
	return nil
}

// Get returns a handoff request by id.
func (c *Coordinator) Get(ctx context.Context, handoffID string) (*core.HandoffRequest, error) {
	return c.get(ctx, "handoff.get", handoffID)
}

// History returns a session's handoff requests, newest first.
func (c *Coordinator) History(ctx context.Context, sessionID string) ([]*core.HandoffRequest, error) {
	const op = "handoff.history"
	reqs, err := c.repo.ListHandoffs(ctx, sessionID)
	if err != nil {
		return nil, core.E(op, core.KindPersistence, "session", sessionID, err)
	}
	return reqs, nil
}

func (c *Coordinator) get(ctx context.Context, op, handoffID string) (*core.HandoffRequest, error) {
	req, err := c.repo.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, core.E(op, core.KindPersistence, "handoff", handoffID, err)
	}
	if req == nil {
		return nil, core.Ef(op, core.KindNotFound, "handoff", handoffID, "handoff not found")
	}
	return req, nil
}
