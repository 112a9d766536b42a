// Package vault is the encrypted, content-addressed store for memory
// slices. Plaintext never touches disk: every slice is sealed with
// XChaCha20-Poly1305 under a per-slice key derived from the active vault
// key, and writes are idempotent per session via BLAKE3 plaintext
// fingerprints. Keys rotate without re-encrypting stored slices; retired
// keys stay readable until revoked.
//
// The vault owns its own SQLite database, deliberately separate from the
// relational session schema: the blob store is keyed by slice id and knows
// nothing about turn state.
package vault
