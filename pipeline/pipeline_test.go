package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/session"
	"github.com/hupe1980/hearthcore/store"
	"github.com/hupe1980/hearthcore/vault"
)

func newTestStack(t *testing.T) (*vault.Vault, *session.Manager) {
	t.Helper()
	dir := t.TempDir()

	v, err := vault.Open(filepath.Join(dir, "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	repo, err := store.NewSQLite(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return v, session.NewManager(repo)
}

func TestProcessQuery(t *testing.T) {
	ctx := context.Background()
	v, sm := newTestStack(t)
	p := New(v, sm)

	sess, err := sm.CreateSession(ctx, "alden", "garden", []string{"agent-a"})
	require.NoError(t, err)

	slice, err := v.Store(ctx, sess.ID, "agent-a", []byte("the tomatoes need watering on tuesday"))
	require.NoError(t, err)
	require.NoError(t, sm.PropagateContext(ctx, sess.ID, slice.ID))

	res, err := p.ProcessQuery(ctx, sess.ID, "agent-a", "when do the tomatoes need watering?")
	require.NoError(t, err)

	assert.Equal(t, []string{slice.ID}, res.ContextUsed)
	assert.Empty(t, res.DroppedRefs)
	assert.Contains(t, res.Reasoning, "tomatoes")
	assert.False(t, res.Unpersisted)
	require.NotEmpty(t, res.SliceID)

	t.Run("reasoning persisted to vault and window", func(t *testing.T) {
		plaintext, err := v.Retrieve(ctx, res.SliceID)
		require.NoError(t, err)
		assert.Equal(t, res.Reasoning, string(plaintext))

		refs, err := sm.ContextWindow(ctx, sess.ID)
		require.NoError(t, err)
		assert.Contains(t, refs, res.SliceID)
	})

	t.Run("empty query rejected", func(t *testing.T) {
		_, err := p.ProcessQuery(ctx, sess.ID, "agent-a", "")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindValidation))
	})

	t.Run("unknown session fatal", func(t *testing.T) {
		_, err := p.ProcessQuery(ctx, "missing", "agent-a", "anything at all")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})
}

func TestProcessQueryDropsUnresolvableRefs(t *testing.T) {
	ctx := context.Background()
	v, sm := newTestStack(t)
	p := New(v, sm)

	sess, err := sm.CreateSession(ctx, "alden", "garden", []string{"agent-a"})
	require.NoError(t, err)

	good, err := v.Store(ctx, sess.ID, "agent-a", []byte("the roses were pruned yesterday"))
	require.NoError(t, err)
	require.NoError(t, sm.PropagateContext(ctx, sess.ID, good.ID))
	// A reference with no backing slice must degrade, not abort.
	require.NoError(t, sm.PropagateContext(ctx, sess.ID, "dangling-ref"))

	res, err := p.ProcessQuery(ctx, sess.ID, "agent-a", "what happened to the roses?")
	require.NoError(t, err)

	assert.Equal(t, []string{good.ID}, res.ContextUsed)
	assert.Equal(t, []string{"dangling-ref"}, res.DroppedRefs)
	assert.Contains(t, res.Reasoning, "roses")
}

type failingReasoner struct{ err error }

func (r *failingReasoner) Reason(context.Context, string, []string) (string, error) {
	return "", r.err
}

func TestProcessQueryReasonerFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	v, sm := newTestStack(t)
	p := New(v, sm, func(o *Options) {
		o.Reasoner = &failingReasoner{err: errors.New("reasoning backend down")}
	})

	sess, err := sm.CreateSession(ctx, "alden", "garden", []string{"agent-a"})
	require.NoError(t, err)

	res, err := p.ProcessQuery(ctx, sess.ID, "agent-a", "anything at all")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, core.IsKind(err, core.KindInternal))
}

// brokenMemory fails every store attempt while delegating retrieval.
type brokenMemory struct {
	inner    MemoryStore
	attempts int
}

func (m *brokenMemory) Store(context.Context, string, string, []byte) (*core.MemorySlice, error) {
	m.attempts++
	return nil, errors.New("disk full")
}

func (m *brokenMemory) Retrieve(ctx context.Context, sliceID string) ([]byte, error) {
	return m.inner.Retrieve(ctx, sliceID)
}

func TestProcessQueryPersistenceExhaustion(t *testing.T) {
	ctx := context.Background()
	v, sm := newTestStack(t)

	broken := &brokenMemory{inner: v}
	p := New(broken, sm, func(o *Options) {
		o.PersistRetries = 3
		o.RetryBackoff = time.Millisecond
	})

	sess, err := sm.CreateSession(ctx, "alden", "garden", []string{"agent-a"})
	require.NoError(t, err)

	res, err := p.ProcessQuery(ctx, sess.ID, "agent-a", "anything at all")

	// The reasoning result survives the persistence failure.
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindPersistence))
	require.NotNil(t, res)
	assert.True(t, res.Unpersisted)
	assert.NotEmpty(t, res.Reasoning)
	assert.Empty(t, res.SliceID)
	assert.Equal(t, 3, broken.attempts)
}

func TestRuleReasonerDeterminism(t *testing.T) {
	ctx := context.Background()
	r := &RuleReasoner{}

	contexts := []string{
		"the tomatoes need watering on tuesday",
		"the roses were pruned yesterday",
	}

	first, err := r.Reason(ctx, "when do the tomatoes need watering?", contexts)
	require.NoError(t, err)
	second, err := r.Reason(ctx, "when do the tomatoes need watering?", contexts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "tomatoes")

	t.Run("no context", func(t *testing.T) {
		answer, err := r.Reason(ctx, "when do the tomatoes need watering?", nil)
		require.NoError(t, err)
		assert.Contains(t, answer, "No stored context")
	})

	t.Run("no match", func(t *testing.T) {
		answer, err := r.Reason(ctx, "zebras", contexts)
		require.NoError(t, err)
		assert.Contains(t, answer, "nothing matching")
	})
}
