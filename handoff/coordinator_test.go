package handoff

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/session"
	"github.com/hupe1980/hearthcore/store"
)

type testStack struct {
	repo     store.Repository
	sessions *session.Manager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return &testStack{repo: repo, sessions: session.NewManager(repo)}
}

// staticCapabilities marks a fixed set of agents as registry-known, with a
// subset active.
type staticCapabilities struct {
	known  map[string]bool
	active map[string]bool
}

func (c *staticCapabilities) Knows(name string) bool    { return c.known[name] }
func (c *staticCapabilities) IsActive(name string) bool { return c.active[name] }

func TestInitiate(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t)
	coord := NewCoordinator(ts.sessions, ts.repo)

	sess, err := ts.sessions.CreateSession(ctx, "alden", "garden", []string{"agent-a", "agent-b"})
	require.NoError(t, err)

	t.Run("source must hold the turn", func(t *testing.T) {
		_, err := coord.Initiate(ctx, sess.ID, "agent-b", "agent-a", "slice-1")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindPermission))

		// The attempt is recorded as rejected and the turn is unchanged.
		history, err := coord.History(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, core.HandoffRejected, history[0].Status)
		assert.NotNil(t, history[0].RejectedAt)

		got, err := ts.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "agent-a", got.TurnHolder)
	})

	t.Run("target must participate", func(t *testing.T) {
		_, err := coord.Initiate(ctx, sess.ID, "agent-a", "agent-x", "slice-1")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})

	t.Run("successful handoff transfers the turn", func(t *testing.T) {
		req, err := coord.Initiate(ctx, sess.ID, "agent-a", "agent-b", "slice-1")
		require.NoError(t, err)
		assert.Equal(t, core.HandoffCompleted, req.Status)
		assert.NotNil(t, req.CompletedAt)
		assert.Equal(t, "slice-1", req.ContextSliceID)

		got, err := ts.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "agent-b", got.TurnHolder)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := coord.Initiate(ctx, "missing", "agent-a", "agent-b", "slice-1")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})
}

func TestInitiateCapabilityVeto(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t)
	caps := &staticCapabilities{
		known:  map[string]bool{"agent-b": true},
		active: map[string]bool{},
	}
	coord := NewCoordinator(ts.sessions, ts.repo, func(o *Options) {
		o.Capabilities = caps
	})

	sess, err := ts.sessions.CreateSession(ctx, "alden", "garden", []string{"agent-a", "agent-b", "agent-c"})
	require.NoError(t, err)

	t.Run("registered but inactive target vetoed", func(t *testing.T) {
		_, err := coord.Initiate(ctx, sess.ID, "agent-a", "agent-b", "slice-1")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindNotFound))

		got, err := ts.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "agent-a", got.TurnHolder)
	})

	t.Run("unregistered participant allowed", func(t *testing.T) {
		req, err := coord.Initiate(ctx, sess.ID, "agent-a", "agent-c", "slice-1")
		require.NoError(t, err)
		assert.Equal(t, core.HandoffCompleted, req.Status)
	})

	t.Run("active registered target allowed", func(t *testing.T) {
		caps.active["agent-b"] = true
		req, err := coord.Initiate(ctx, sess.ID, "agent-c", "agent-b", "slice-2")
		require.NoError(t, err)
		assert.Equal(t, core.HandoffCompleted, req.Status)
	})
}

// TestHandoffAtomicity checks that a concurrent observer never sees a
// completed handoff whose session still names the source as turn holder.
func TestHandoffAtomicity(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t)
	coord := NewCoordinator(ts.sessions, ts.repo)

	sess, err := ts.sessions.CreateSession(ctx, "alden", "garden", []string{"agent-a", "agent-b"})
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			history, err := coord.History(ctx, sess.ID)
			if err != nil {
				continue
			}
			got, err := ts.sessions.Get(ctx, sess.ID)
			if err != nil {
				continue
			}
			for _, h := range history {
				if h.Status == core.HandoffCompleted && h.TargetAgentID == "agent-b" && got.TurnHolder == "agent-a" {
					// The session was read after the history, so a
					// completed handoff must already be reflected.
					t.Error("observed completed handoff with turn still at source")
				}
			}
		}
	}()

	req, err := coord.Initiate(ctx, sess.ID, "agent-a", "agent-b", "slice-1")
	require.NoError(t, err)
	assert.Equal(t, core.HandoffCompleted, req.Status)

	close(stop)
	wg.Wait()
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	ts := newTestStack(t)
	coord := NewCoordinator(ts.sessions, ts.repo)

	sess, err := ts.sessions.CreateSession(ctx, "alden", "garden", []string{"agent-a", "agent-b"})
	require.NoError(t, err)

	t.Run("unknown handoff", func(t *testing.T) {
		err := coord.Cancel(ctx, "missing")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})

	t.Run("completed handoff cannot be cancelled", func(t *testing.T) {
		req, err := coord.Initiate(ctx, sess.ID, "agent-a", "agent-b", "slice-1")
		require.NoError(t, err)

		err = coord.Cancel(ctx, req.ID)
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindInvalidState))
	})
}
