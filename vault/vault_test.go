package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hearthcore/core"
)

func openTestVault(t *testing.T, optFns ...func(o *Options)) (*Vault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.db")
	v, err := Open(path, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v, path
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVault(t)

	slice, err := v.Store(ctx, "sess-1", "agent-a", []byte("the cat sleeps by the stove"))
	require.NoError(t, err)
	assert.NotEmpty(t, slice.ID)
	assert.Equal(t, v.ActiveKeyID(), slice.KeyID)
	assert.Len(t, slice.Fingerprint, 64)

	plaintext, err := v.Retrieve(ctx, slice.ID)
	require.NoError(t, err)
	assert.Equal(t, "the cat sleeps by the stove", string(plaintext))

	t.Run("missing slice", func(t *testing.T) {
		_, err := v.Retrieve(ctx, "missing")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})

	t.Run("validation", func(t *testing.T) {
		_, err := v.Store(ctx, "", "agent-a", []byte("x"))
		assert.True(t, core.IsKind(err, core.KindValidation))

		_, err = v.Store(ctx, "sess-1", "agent-a", nil)
		assert.True(t, core.IsKind(err, core.KindValidation))
	})
}

func TestStoreIdempotency(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVault(t)

	first, err := v.Store(ctx, "sess-1", "agent-a", []byte("repeated content"))
	require.NoError(t, err)

	second, err := v.Store(ctx, "sess-1", "agent-b", []byte("repeated content"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	// The same content in another session is a distinct slice.
	other, err := v.Store(ctx, "sess-2", "agent-a", []byte("repeated content"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRotationDurability(t *testing.T) {
	ctx := context.Background()
	v, path := openTestVault(t)

	slice, err := v.Store(ctx, "sess-1", "agent-a", []byte("sealed before rotation"))
	require.NoError(t, err)
	oldKey := v.ActiveKeyID()

	rotated, err := v.RotateKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, rotated.ID)
	assert.Equal(t, rotated.ID, v.ActiveKeyID())

	t.Run("old slices readable through retired key", func(t *testing.T) {
		plaintext, err := v.Retrieve(ctx, slice.ID)
		require.NoError(t, err)
		assert.Equal(t, "sealed before rotation", string(plaintext))
	})

	t.Run("keys survive reopen", func(t *testing.T) {
		require.NoError(t, v.Close())

		reopened, err := Open(path)
		require.NoError(t, err)
		defer reopened.Close() //nolint:errcheck

		assert.Equal(t, rotated.ID, reopened.ActiveKeyID())

		plaintext, err := reopened.Retrieve(ctx, slice.ID)
		require.NoError(t, err)
		assert.Equal(t, "sealed before rotation", string(plaintext))
	})
}

func TestKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVault(t)

	first := v.ActiveKeyID()
	second, err := v.RotateKey(ctx)
	require.NoError(t, err)

	t.Run("rollback reinstates retired key", func(t *testing.T) {
		require.NoError(t, v.RollbackKey(ctx, first))
		assert.Equal(t, first, v.ActiveKeyID())

		// Rolling back the already-active key is a no-op.
		require.NoError(t, v.RollbackKey(ctx, first))
		assert.Equal(t, first, v.ActiveKeyID())
	})

	t.Run("active key cannot be revoked", func(t *testing.T) {
		err := v.RevokeKey(ctx, first)
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindInvalidState))
	})

	t.Run("revoked key cannot be reinstated", func(t *testing.T) {
		require.NoError(t, v.RevokeKey(ctx, second.ID))

		err := v.RollbackKey(ctx, second.ID)
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindPermission))
	})

	t.Run("unknown key", func(t *testing.T) {
		err := v.RollbackKey(ctx, "missing")
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})
}

func TestRevokedKeyCannotDecrypt(t *testing.T) {
	ctx := context.Background()
	v, path := openTestVault(t)

	slice, err := v.Store(ctx, "sess-1", "agent-a", []byte("secret under first key"))
	require.NoError(t, err)
	firstKey := v.ActiveKeyID()

	_, err = v.RotateKey(ctx)
	require.NoError(t, err)
	require.NoError(t, v.RevokeKey(ctx, firstKey))
	require.NoError(t, v.Close())

	// Reopen to read through decryption rather than the plaintext cache.
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck

	_, err = reopened.Retrieve(ctx, slice.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindDecryption))
}

func TestRetiredHistoryBound(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVault(t, func(o *Options) {
		o.MaxRetiredKeys = 1
	})

	first := v.ActiveKeyID()
	_, err := v.RotateKey(ctx)
	require.NoError(t, err)
	_, err = v.RotateKey(ctx)
	require.NoError(t, err)

	// With a history bound of one, the oldest retired key is revoked.
	var status core.KeyStatus
	for _, k := range v.Keys() {
		if k.ID == first {
			status = k.Status
		}
	}
	assert.Equal(t, core.KeyRevoked, status)
}

func TestRetiredOrderSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	v, path := openTestVault(t)

	// Rapid rotations land in the same created_at second; the reloaded
	// ring must still try retired keys newest first.
	first := v.ActiveKeyID()
	second, err := v.RotateKey(ctx)
	require.NoError(t, err)
	third, err := v.RotateKey(ctx)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck

	var ids []string
	for _, k := range reopened.Keys() {
		ids = append(ids, k.ID)
	}
	assert.Equal(t, []string{third.ID, second.ID, first}, ids)
}

func TestStateBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVault(t)

	t.Run("missing state", func(t *testing.T) {
		_, err := v.GetState(ctx, "registry")
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})

	require.NoError(t, v.PutState(ctx, "registry", []byte(`{"v":1}`)))
	data, err := v.GetState(ctx, "registry")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	t.Run("state is mutable", func(t *testing.T) {
		require.NoError(t, v.PutState(ctx, "registry", []byte(`{"v":2}`)))
		data, err := v.GetState(ctx, "registry")
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(data))
	})

	t.Run("state readable after rotation", func(t *testing.T) {
		_, err := v.RotateKey(ctx)
		require.NoError(t, err)

		data, err := v.GetState(ctx, "registry")
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(data))
	})
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVault(t)

	slice, err := v.Store(ctx, "sess-1", "agent-a", []byte("note"))
	require.NoError(t, err)

	// Store primes the plaintext cache; every read must be recorded
	// whether it hits the cache or decrypts.
	_, err = v.Retrieve(ctx, slice.ID)
	require.NoError(t, err)
	_, err = v.Retrieve(ctx, slice.ID)
	require.NoError(t, err)

	audit := v.ExportAudit()
	require.NotEmpty(t, audit)

	var sawStore bool
	var retrievals int
	for _, entry := range audit {
		if entry.Op == "vault.store" && entry.ID == slice.ID && entry.Result == "stored" {
			sawStore = true
		}
		if entry.Op == "vault.retrieve" && entry.ID == slice.ID && entry.Result == "retrieved" {
			retrievals++
		}
	}
	assert.True(t, sawStore)
	assert.Equal(t, 2, retrievals)
}
