package vault

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/hearthcore/core"
)

// keyEntry is a master key held by the ring. Material never leaves the
// vault package.
type keyEntry struct {
	id        string
	material  []byte
	status    core.KeyStatus
	createdAt time.Time
}

func (k *keyEntry) meta() core.EncryptionKey {
	return core.EncryptionKey{ID: k.id, Status: k.status, CreatedAt: k.createdAt}
}

// keyRing is the in-memory view of the persisted key set. The active key
// seals new writes; retired keys (newest first) remain eligible for
// decryption; revoked keys are never used.
type keyRing struct {
	mu      sync.RWMutex
	active  *keyEntry
	retired []*keyEntry // reverse-chronological
	revoked map[string]*keyEntry
}

func newKeyRing() *keyRing {
	return &keyRing{revoked: make(map[string]*keyEntry)}
}

// decryptionKeys returns the keys eligible for decryption in trial order:
// active first, then retired newest first. Revoked keys are excluded.
func (r *keyRing) decryptionKeys() []*keyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]*keyEntry, 0, 1+len(r.retired))
	if r.active != nil {
		keys = append(keys, r.active)
	}
	keys = append(keys, r.retired...)
	return keys
}

func (r *keyRing) activeKey() *keyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *keyRing) find(keyID string) *keyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(keyID)
}

func (r *keyRing) findLocked(keyID string) *keyEntry {
	if r.active != nil && r.active.id == keyID {
		return r.active
	}
	for _, k := range r.retired {
		if k.id == keyID {
			return k
		}
	}
	if k, ok := r.revoked[keyID]; ok {
		return k
	}
	return nil
}

// metas lists key metadata, active first, then retired, then revoked.
func (r *keyRing) metas() []core.EncryptionKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metas := make([]core.EncryptionKey, 0, 1+len(r.retired)+len(r.revoked))
	if r.active != nil {
		metas = append(metas, r.active.meta())
	}
	for _, k := range r.retired {
		metas = append(metas, k.meta())
	}
	revoked := make([]*keyEntry, 0, len(r.revoked))
	for _, k := range r.revoked {
		revoked = append(revoked, k)
	}
	sort.Slice(revoked, func(i, j int) bool { return revoked[i].createdAt.After(revoked[j].createdAt) })
	for _, k := range revoked {
		metas = append(metas, k.meta())
	}
	return metas
}

// loadKeyRing reads all persisted keys into a fresh ring. Key rows are
// never deleted, so rowid is a monotonic creation sequence; ordering by it
// keeps retired keys newest first even when several rotations land in the
// same created_at second.
func loadKeyRing(db *sql.DB) (*keyRing, error) {
	rows, err := db.Query(`SELECT key_id, material, status, created_at FROM encryption_keys ORDER BY rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	ring := newKeyRing()
	for rows.Next() {
		var entry keyEntry
		var status string
		var createdAt int64
		if err := rows.Scan(&entry.id, &entry.material, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		entry.status = core.KeyStatus(status)
		entry.createdAt = time.Unix(createdAt, 0)

		switch entry.status {
		case core.KeyActive:
			ring.active = &entry
		case core.KeyRetired:
			ring.retired = append(ring.retired, &entry)
		case core.KeyRevoked:
			ring.revoked[entry.id] = &entry
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key rows: %w", err)
	}
	return ring, nil
}

func persistKey(tx *sql.Tx, entry *keyEntry) error {
	_, err := tx.Exec(`INSERT INTO encryption_keys (key_id, material, status, created_at) VALUES (?, ?, ?, ?)`,
		entry.id, entry.material, string(entry.status), entry.createdAt.Unix())
	if err != nil {
		return fmt.Errorf("insert key %s: %w", entry.id, err)
	}
	return nil
}

func persistKeyStatus(tx *sql.Tx, keyID string, status core.KeyStatus) error {
	result, err := tx.Exec(`UPDATE encryption_keys SET status = ? WHERE key_id = ?`, string(status), keyID)
	if err != nil {
		return fmt.Errorf("update key %s: %w", keyID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("key rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("key %s not found", keyID)
	}
	return nil
}
