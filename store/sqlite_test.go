package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hearthcore/core"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testSession(userID string, participants ...string) (*core.User, *core.Session) {
	now := time.Now()
	user := &core.User{ID: userID, DisplayName: userID, CreatedAt: now}
	sess := &core.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Topic:        "test topic",
		Participants: participants,
		TurnHolder:   participants[0],
		TurnPolicy:   core.TurnPolicyFIFO,
		Status:       core.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return user, sess
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	user, sess := testSession("alden", "agent-a", "agent-b", "agent-c")
	require.NoError(t, repo.CreateSession(ctx, user, sess))

	got, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "alden", got.UserID)
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-c"}, got.Participants)
	assert.Equal(t, "agent-a", got.TurnHolder)
	assert.Equal(t, core.SessionActive, got.Status)

	t.Run("user was upserted", func(t *testing.T) {
		u, err := repo.GetUser(ctx, "alden")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "alden", u.DisplayName)
	})

	t.Run("second session for same user", func(t *testing.T) {
		_, sess2 := testSession("alden", "agent-x")
		u := &core.User{ID: "alden", DisplayName: "alden", CreatedAt: time.Now()}
		require.NoError(t, repo.CreateSession(ctx, u, sess2))
	})

	t.Run("missing session is nil, not error", func(t *testing.T) {
		got, err := repo.GetSession(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestTurnAndStatusUpdates(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	user, sess := testSession("alden", "agent-a", "agent-b")
	require.NoError(t, repo.CreateSession(ctx, user, sess))

	require.NoError(t, repo.UpdateTurnHolder(ctx, sess.ID, "agent-b"))
	got, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", got.TurnHolder)

	t.Run("empty holder stored as NULL", func(t *testing.T) {
		require.NoError(t, repo.UpdateTurnHolder(ctx, sess.ID, ""))
		got, err := repo.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, got.TurnHolder)
	})

	require.NoError(t, repo.UpdateSessionStatus(ctx, sess.ID, core.SessionPaused))
	got, err = repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionPaused, got.Status)

	t.Run("updates on missing session fail", func(t *testing.T) {
		assert.Error(t, repo.UpdateTurnHolder(ctx, "missing", "agent-a"))
		assert.Error(t, repo.UpdateSessionStatus(ctx, "missing", core.SessionClosed))
	})
}

func TestContextRefsWindow(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	user, sess := testSession("alden", "agent-a")
	require.NoError(t, repo.CreateSession(ctx, user, sess))

	const window = 3
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		require.NoError(t, repo.AppendContextRef(ctx, sess.ID, id, window))
	}

	refs, err := repo.ContextRefs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s4", "s5"}, refs)
}

func TestHandoffLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	user, sess := testSession("alden", "agent-a", "agent-b")
	require.NoError(t, repo.CreateSession(ctx, user, sess))

	req := &core.HandoffRequest{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		SourceAgentID:  "agent-a",
		TargetAgentID:  "agent-b",
		ContextSliceID: "slice-1",
		Status:         core.HandoffPending,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, repo.CreateHandoff(ctx, req))

	got, err := repo.GetHandoff(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.HandoffPending, got.Status)
	assert.Nil(t, got.CompletedAt)

	t.Run("complete commits turn and status together", func(t *testing.T) {
		require.NoError(t, repo.CompleteHandoff(ctx, req.ID, sess.ID, "agent-b", time.Now()))

		got, err := repo.GetHandoff(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, core.HandoffCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)

		s, err := repo.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "agent-b", s.TurnHolder)
	})

	t.Run("complete is not repeatable", func(t *testing.T) {
		err := repo.CompleteHandoff(ctx, req.ID, sess.ID, "agent-a", time.Now())
		require.Error(t, err)

		// The failed second completion did not move the turn.
		s, err := repo.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "agent-b", s.TurnHolder)
	})

	t.Run("cancelled stamps its timestamp", func(t *testing.T) {
		other := &core.HandoffRequest{
			ID:            uuid.NewString(),
			SessionID:     sess.ID,
			SourceAgentID: "agent-b",
			TargetAgentID: "agent-a",
			Status:        core.HandoffPending,
			CreatedAt:     time.Now(),
		}
		require.NoError(t, repo.CreateHandoff(ctx, other))
		require.NoError(t, repo.UpdateHandoffStatus(ctx, other.ID, core.HandoffCancelled, time.Now()))

		got, err := repo.GetHandoff(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, core.HandoffCancelled, got.Status)
		assert.NotNil(t, got.CancelledAt)
	})

	t.Run("list returns session handoffs", func(t *testing.T) {
		reqs, err := repo.ListHandoffs(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, reqs, 2)
	})

	t.Run("missing handoff is nil, not error", func(t *testing.T) {
		got, err := repo.GetHandoff(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCloseIdleSessions(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	user, sess := testSession("alden", "agent-a")
	require.NoError(t, repo.CreateSession(ctx, user, sess))

	// Nothing is idle yet.
	ids, err := repo.CloseIdleSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Unix-second timestamps need a comfortable margin past the TTL.
	time.Sleep(2100 * time.Millisecond)
	ids, err = repo.CloseIdleSessions(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, ids)

	got, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionClosed, got.Status)
	assert.Empty(t, got.TurnHolder)
}
