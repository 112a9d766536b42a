package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("disk full")
	err := E("vault.store", KindPersistence, "slice", "abc", cause)

	assert.Contains(t, err.Error(), "vault.store")
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, errors.Is(err, cause))
}

func TestKindOf(t *testing.T) {
	err := Ef("session.close", KindInvalidState, "session", "s1", "session is closed")
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.True(t, IsKind(err, KindInvalidState))
	assert.False(t, IsKind(err, KindNotFound))

	t.Run("wrapped error keeps its kind", func(t *testing.T) {
		wrapped := fmt.Errorf("handling request: %w", err)
		assert.Equal(t, KindInvalidState, KindOf(wrapped))
		assert.True(t, IsKind(wrapped, KindInvalidState))
	})

	t.Run("plain error has no kind", func(t *testing.T) {
		plain := errors.New("boom")
		assert.False(t, IsKind(plain, KindInternal))
		assert.False(t, IsKind(nil, KindInternal))
	})
}

func TestNestedKind(t *testing.T) {
	inner := Ef("vault.retrieve", KindDecryption, "slice", "s1", "no eligible key")
	outer := E("pipeline.processQuery", KindInternal, "query", "", inner)

	// The outermost kind wins.
	require.Equal(t, KindInternal, KindOf(outer))
	assert.True(t, errors.Is(outer, inner))
}
