package vault

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/logging"
	_ "modernc.org/sqlite"
)

// Options configures the vault.
type Options struct {
	// MaxRetiredKeys bounds the retired-key history. When rotation would
	// exceed the bound, the oldest retired key is revoked.
	MaxRetiredKeys int
	// CacheMaxBytes caps the decrypted-slice read cache. Slices are
	// immutable, so cached plaintext never goes stale.
	CacheMaxBytes int64
	// Logger receives structured vault events. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Vault is the encrypted memory-slice store. Safe for concurrent use:
// reads share the key ring under a read lock while key lifecycle
// operations (rotate, rollback, revoke) are serialized.
type Vault struct {
	db     *sql.DB
	ring   *keyRing
	keyMu  sync.Mutex // serializes key lifecycle mutations
	cache  *ristretto.Cache
	logger logging.Logger

	auditMu sync.Mutex
	audit   []AuditEntry

	maxRetired int
	closeOnce  sync.Once
}

// AuditEntry records a single vault operation outcome.
type AuditEntry struct {
	Time   time.Time `json:"time"`
	Op     string    `json:"op"`
	Entity string    `json:"entity"`
	ID     string    `json:"id,omitempty"`
	Result string    `json:"result"`
}

// Open opens (or creates) the vault database at dbPath, loads the key ring
// and generates the initial active key when none exists.
func Open(dbPath string, optFns ...func(o *Options)) (*Vault, error) {
	opts := Options{
		MaxRetiredKeys: 3,
		CacheMaxBytes:  1 << 26,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open vault database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping vault database: %w", err)
	}

	if _, err := db.Exec(vaultSchema); err != nil {
		return nil, fmt.Errorf("initialize vault schema: %w", err)
	}

	ring, err := loadKeyRing(db)
	if err != nil {
		return nil, fmt.Errorf("load key ring: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     opts.CacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create slice cache: %w", err)
	}

	v := &Vault{
		db:         db,
		ring:       ring,
		cache:      cache,
		logger:     logging.OrNoOp(opts.Logger),
		maxRetired: opts.MaxRetiredKeys,
	}

	if ring.activeKey() == nil {
		if _, err := v.RotateKey(context.Background()); err != nil {
			return nil, fmt.Errorf("generate initial key: %w", err)
		}
	}

	return v, nil
}

const vaultSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS encryption_keys (
	key_id TEXT PRIMARY KEY,
	material BLOB NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_slices (
	slice_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent_id TEXT,
	key_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (session_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_slices_session ON memory_slices(session_id, created_at);

CREATE TABLE IF NOT EXISTS state_blobs (
	name TEXT PRIMARY KEY,
	key_id TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store seals plaintext under the active key and persists it as a memory
// slice. Writes are idempotent: a second store of the same plaintext for
// the same session returns the existing slice instead of a duplicate.
func (v *Vault) Store(ctx context.Context, sessionID, agentID string, plaintext []byte) (*core.MemorySlice, error) {
	const op = "vault.store"
	if sessionID == "" {
		return nil, core.Ef(op, core.KindValidation, "session", "", "session id is required")
	}
	if len(plaintext) == 0 {
		return nil, core.Ef(op, core.KindValidation, "slice", "", "plaintext is empty")
	}

	fp := fingerprintHex(plaintext)
	if existing, err := v.sliceByFingerprint(ctx, sessionID, fp); err != nil {
		return nil, v.fail(op, "slice", "", err)
	} else if existing != nil {
		v.record(op, "slice", existing.ID, "deduplicated")
		return existing, nil
	}

	active := v.ring.activeKey()
	if active == nil {
		return nil, core.Ef(op, core.KindEncryption, "key", "", "no active encryption key")
	}

	binding := fingerprint(plaintext)
	sliceKey, err := deriveKey(active.material, hkdfInfoSlice, binding)
	if err != nil {
		return nil, core.E(op, core.KindEncryption, "slice", "", err)
	}
	blob, err := sealBlob(plaintext, sliceKey, binding)
	if err != nil {
		return nil, core.E(op, core.KindEncryption, "slice", "", err)
	}

	slice := &core.MemorySlice{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		AgentID:     agentID,
		KeyID:       active.id,
		Fingerprint: fp,
		CreatedAt:   time.Now(),
	}

	var agent interface{}
	if agentID != "" {
		agent = agentID
	}
	result, err := v.db.ExecContext(ctx, `
		INSERT INTO memory_slices (slice_id, session_id, agent_id, key_id, fingerprint, ciphertext, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, fingerprint) DO NOTHING`,
		slice.ID, slice.SessionID, agent, slice.KeyID, slice.Fingerprint, blob, slice.CreatedAt.Unix())
	if err != nil {
		return nil, v.fail(op, "slice", slice.ID, err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		// Lost a write race against an identical slice; return the winner.
		existing, err := v.sliceByFingerprint(ctx, sessionID, fp)
		if err != nil || existing == nil {
			return nil, v.fail(op, "slice", "", err)
		}
		v.record(op, "slice", existing.ID, "deduplicated")
		return existing, nil
	}

	v.cache.Set(slice.ID, append([]byte(nil), plaintext...), int64(len(plaintext)))
	v.record(op, "slice", slice.ID, "stored")
	v.logger.Debug("memory slice stored", "slice_id", slice.ID, "session_id", sessionID, "key_id", active.id)
	return slice, nil
}

// Retrieve loads and decrypts a memory slice, trying the active key first
// and then retired keys in reverse-chronological order. Revoked keys are
// never tried.
func (v *Vault) Retrieve(ctx context.Context, sliceID string) ([]byte, error) {
	const op = "vault.retrieve"

	if cached, ok := v.cache.Get(sliceID); ok {
		if plaintext, ok := cached.([]byte); ok {
			v.record(op, "slice", sliceID, "retrieved")
			return append([]byte(nil), plaintext...), nil
		}
	}

	row := v.db.QueryRowContext(ctx,
		`SELECT fingerprint, ciphertext FROM memory_slices WHERE slice_id = ?`, sliceID)
	var fp string
	var blob []byte
	if err := row.Scan(&fp, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.Ef(op, core.KindNotFound, "slice", sliceID, "memory slice not found")
		}
		return nil, v.fail(op, "slice", sliceID, err)
	}

	binding, err := bindingFromHex(fp)
	if err != nil {
		return nil, core.E(op, core.KindDecryption, "slice", sliceID, err)
	}

	for _, key := range v.ring.decryptionKeys() {
		sliceKey, err := deriveKey(key.material, hkdfInfoSlice, binding)
		if err != nil {
			continue
		}
		plaintext, err := openBlob(blob, sliceKey, binding)
		if err != nil {
			continue
		}
		v.cache.Set(sliceID, append([]byte(nil), plaintext...), int64(len(plaintext)))
		v.record(op, "slice", sliceID, "retrieved")
		return plaintext, nil
	}

	v.record(op, "slice", sliceID, "decryption failed")
	return nil, core.Ef(op, core.KindDecryption, "slice", sliceID, "no eligible key could decrypt slice")
}

// RotateKey generates a new active key and demotes the previous active key
// to retired. Stored slices are not re-encrypted: rotation is O(1) in
// stored volume, and reads stay correct against retired keys. Retired
// history beyond the configured bound is revoked, oldest first.
func (v *Vault) RotateKey(ctx context.Context) (*core.EncryptionKey, error) {
	const op = "vault.rotateKey"
	v.keyMu.Lock()
	defer v.keyMu.Unlock()

	material, err := newKeyMaterial()
	if err != nil {
		return nil, core.E(op, core.KindEncryption, "key", "", err)
	}
	entry := &keyEntry{
		id:        uuid.NewString(),
		material:  material,
		status:    core.KeyActive,
		createdAt: time.Now(),
	}

	v.ring.mu.Lock()
	defer v.ring.mu.Unlock()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, v.fail(op, "key", "", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var toRevoke *keyEntry
	if len(v.ring.retired) >= v.maxRetired {
		toRevoke = v.ring.retired[len(v.ring.retired)-1]
		if err := persistKeyStatus(tx, toRevoke.id, core.KeyRevoked); err != nil {
			return nil, v.fail(op, "key", toRevoke.id, err)
		}
	}
	prev := v.ring.active
	if prev != nil {
		if err := persistKeyStatus(tx, prev.id, core.KeyRetired); err != nil {
			return nil, v.fail(op, "key", prev.id, err)
		}
	}
	if err := persistKey(tx, entry); err != nil {
		return nil, v.fail(op, "key", entry.id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, v.fail(op, "key", entry.id, err)
	}

	if toRevoke != nil {
		toRevoke.status = core.KeyRevoked
		v.ring.retired = v.ring.retired[:len(v.ring.retired)-1]
		v.ring.revoked[toRevoke.id] = toRevoke
	}
	if prev != nil {
		prev.status = core.KeyRetired
		v.ring.retired = append([]*keyEntry{prev}, v.ring.retired...)
	}
	v.ring.active = entry

	meta := entry.meta()
	v.record(op, "key", entry.id, "rotated")
	v.logger.Info("encryption key rotated", "key_id", entry.id, "retired_count", len(v.ring.retired))
	return &meta, nil
}

// RollbackKey reinstates a retired key as active, demoting the current
// active key to retired. Revoked keys cannot be reinstated.
func (v *Vault) RollbackKey(ctx context.Context, keyID string) error {
	const op = "vault.rollbackKey"
	v.keyMu.Lock()
	defer v.keyMu.Unlock()

	v.ring.mu.Lock()
	defer v.ring.mu.Unlock()

	target := v.ring.findLocked(keyID)
	if target == nil {
		return core.Ef(op, core.KindNotFound, "key", keyID, "key not found")
	}
	switch target.status {
	case core.KeyRevoked:
		return core.Ef(op, core.KindPermission, "key", keyID, "revoked keys cannot be reinstated")
	case core.KeyActive:
		return nil // already active
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return v.fail(op, "key", keyID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	prev := v.ring.active
	if prev != nil {
		if err := persistKeyStatus(tx, prev.id, core.KeyRetired); err != nil {
			return v.fail(op, "key", prev.id, err)
		}
	}
	if err := persistKeyStatus(tx, keyID, core.KeyActive); err != nil {
		return v.fail(op, "key", keyID, err)
	}
	if err := tx.Commit(); err != nil {
		return v.fail(op, "key", keyID, err)
	}

	for i, k := range v.ring.retired {
		if k.id == keyID {
			v.ring.retired = append(v.ring.retired[:i], v.ring.retired[i+1:]...)
			break
		}
	}
	if prev != nil {
		prev.status = core.KeyRetired
		v.ring.retired = append([]*keyEntry{prev}, v.ring.retired...)
	}
	target.status = core.KeyActive
	v.ring.active = target

	v.record(op, "key", keyID, "rolled back")
	v.logger.Info("encryption key rolled back", "key_id", keyID)
	return nil
}

// RevokeKey permanently removes a retired key from decryption eligibility.
// The active key cannot be revoked.
func (v *Vault) RevokeKey(ctx context.Context, keyID string) error {
	const op = "vault.revokeKey"
	v.keyMu.Lock()
	defer v.keyMu.Unlock()

	v.ring.mu.Lock()
	defer v.ring.mu.Unlock()

	target := v.ring.findLocked(keyID)
	if target == nil {
		return core.Ef(op, core.KindNotFound, "key", keyID, "key not found")
	}
	if target.status == core.KeyActive {
		return core.Ef(op, core.KindInvalidState, "key", keyID, "active key cannot be revoked")
	}
	if target.status == core.KeyRevoked {
		return nil
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return v.fail(op, "key", keyID, err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := persistKeyStatus(tx, keyID, core.KeyRevoked); err != nil {
		return v.fail(op, "key", keyID, err)
	}
	if err := tx.Commit(); err != nil {
		return v.fail(op, "key", keyID, err)
	}

	for i, k := range v.ring.retired {
		if k.id == keyID {
			v.ring.retired = append(v.ring.retired[:i], v.ring.retired[i+1:]...)
			break
		}
	}
	target.status = core.KeyRevoked
	v.ring.revoked[keyID] = target

	v.record(op, "key", keyID, "revoked")
	return nil
}

// Keys lists key metadata: active first, then retired, then revoked.
func (v *Vault) Keys() []core.EncryptionKey { return v.ring.metas() }

// ActiveKeyID returns the id of the key sealing new writes.
func (v *Vault) ActiveKeyID() string {
	if k := v.ring.activeKey(); k != nil {
		return k.id
	}
	return ""
}

// PutState seals an arbitrary named state blob (used by the plugin registry
// to persist its records through the vault). Unlike Store, PutState
// overwrites: named state is mutable.
func (v *Vault) PutState(ctx context.Context, name string, plaintext []byte) error {
	const op = "vault.putState"
	if name == "" {
		return core.Ef(op, core.KindValidation, "state", "", "state name is required")
	}

	active := v.ring.activeKey()
	if active == nil {
		return core.Ef(op, core.KindEncryption, "key", "", "no active encryption key")
	}

	binding := bindingFor(name)
	stateKey, err := deriveKey(active.material, hkdfInfoState, binding)
	if err != nil {
		return core.E(op, core.KindEncryption, "state", name, err)
	}
	blob, err := sealBlob(plaintext, stateKey, binding)
	if err != nil {
		return core.E(op, core.KindEncryption, "state", name, err)
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO state_blobs (name, key_id, ciphertext, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET key_id = excluded.key_id, ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		name, active.id, blob, time.Now().Unix())
	if err != nil {
		return v.fail(op, "state", name, err)
	}
	v.record(op, "state", name, "stored")
	return nil
}

// GetState loads and decrypts a named state blob. Returns NotFound when the
// name has never been written.
func (v *Vault) GetState(ctx context.Context, name string) ([]byte, error) {
	const op = "vault.getState"

	row := v.db.QueryRowContext(ctx, `SELECT ciphertext FROM state_blobs WHERE name = ?`, name)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.Ef(op, core.KindNotFound, "state", name, "state blob not found")
		}
		return nil, v.fail(op, "state", name, err)
	}

	binding := bindingFor(name)
	for _, key := range v.ring.decryptionKeys() {
		stateKey, err := deriveKey(key.material, hkdfInfoState, binding)
		if err != nil {
			continue
		}
		plaintext, err := openBlob(blob, stateKey, binding)
		if err != nil {
			continue
		}
		return plaintext, nil
	}
	return nil, core.Ef(op, core.KindDecryption, "state", name, "no eligible key could decrypt state blob")
}

// ExportAudit returns a copy of the in-memory audit trail.
func (v *Vault) ExportAudit() []AuditEntry {
	v.auditMu.Lock()
	defer v.auditMu.Unlock()
	out := make([]AuditEntry, len(v.audit))
	copy(out, v.audit)
	return out
}

// Close releases the cache and database and zeroes key material. Safe to
// call more than once.
func (v *Vault) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.cache.Close()

		v.ring.mu.Lock()
		zero := func(k *keyEntry) {
			for i := range k.material {
				k.material[i] = 0
			}
		}
		if v.ring.active != nil {
			zero(v.ring.active)
		}
		for _, k := range v.ring.retired {
			zero(k)
		}
		for _, k := range v.ring.revoked {
			zero(k)
		}
		v.ring.mu.Unlock()

		if closeErr := v.db.Close(); closeErr != nil {
			err = fmt.Errorf("close vault database: %w", closeErr)
		}
	})
	return err
}

func (v *Vault) sliceByFingerprint(ctx context.Context, sessionID, fp string) (*core.MemorySlice, error) {
	row := v.db.QueryRowContext(ctx, `
		SELECT slice_id, session_id, agent_id, key_id, fingerprint, created_at
		FROM memory_slices WHERE session_id = ? AND fingerprint = ?`, sessionID, fp)

	var slice core.MemorySlice
	var agent sql.NullString
	var createdAt int64
	err := row.Scan(&slice.ID, &slice.SessionID, &agent, &slice.KeyID, &slice.Fingerprint, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slice.AgentID = agent.String
	slice.CreatedAt = time.Unix(createdAt, 0)
	return &slice, nil
}

// fail wraps storage-layer errors, mapping caller deadline expiry to the
// timeout kind and everything else to persistence.
func (v *Vault) fail(op, entity, id string, err error) error {
	kind := core.KindPersistence
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = core.KindTimeout
	}
	v.record(op, entity, id, "error: "+err.Error())
	return core.E(op, kind, entity, id, err)
}

func (v *Vault) record(op, entity, id, result string) {
	v.auditMu.Lock()
	defer v.auditMu.Unlock()
	v.audit = append(v.audit, AuditEntry{Time: time.Now(), Op: op, Entity: entity, ID: id, Result: result})
	// Bound the in-memory trail.
	if len(v.audit) > 4096 {
		v.audit = v.audit[len(v.audit)-4096:]
	}
}

func bindingFromHex(fp string) ([32]byte, error) {
	var binding [32]byte
	raw, err := hex.DecodeString(fp)
	if err != nil {
		return binding, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(raw) != len(binding) {
		return binding, fmt.Errorf("fingerprint is %d bytes, expected %d", len(raw), len(binding))
	}
	copy(binding[:], raw)
	return binding, nil
}
