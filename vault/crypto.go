package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// keySize is the size in bytes of all vault symmetric keys: the master keys
// held in the ring and the per-slice keys derived from them.
const keySize = 32

// blobVersion is the version byte prepended to every sealed blob. It is
// included in the AEAD additional data, so tampering with it causes
// authentication failure.
const blobVersion byte = 0x01

// blobOverhead is the byte overhead per sealed blob:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info strings providing domain separation between derivation paths.
// Changing either invalidates all ciphertext sealed under that path.
var (
	hkdfInfoSlice = []byte("hearthcore.vault.slice.v1")
	hkdfInfoState = []byte("hearthcore.vault.state.v1")
)

// fingerprint returns the BLAKE3-256 digest of plaintext. It is the
// deterministic content address that makes Store idempotent: re-deriving
// the same slice from the same input yields the same fingerprint, not a
// duplicate record.
func fingerprint(plaintext []byte) [32]byte {
	return blake3.Sum256(plaintext)
}

// fingerprintHex is the hex form persisted alongside the ciphertext.
func fingerprintHex(plaintext []byte) string {
	sum := fingerprint(plaintext)
	return hex.EncodeToString(sum[:])
}

// deriveKey derives a 32-byte per-blob key from master key material using
// HKDF-SHA256 with info = domainTag || binding. The salt is nil: the master
// key is already uniformly random, so the extract phase with a zero key is
// appropriate per RFC 5869.
func deriveKey(master, domainTag []byte, binding [32]byte) ([]byte, error) {
	info := make([]byte, len(domainTag)+len(binding))
	copy(info, domainTag)
	copy(info[len(domainTag):], binding[:])

	reader := hkdf.New(sha256.New, master, nil, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}

// sealBlob encrypts plaintext with XChaCha20-Poly1305 and returns the blob
// in the standard layout:
//
//	[Version: 1 byte] [Nonce: 24 bytes (random)] [Ciphertext+Tag: N+16 bytes]
//
// The version byte and binding digest are authenticated as AAD, tying the
// ciphertext to the slice it belongs to so blobs cannot be swapped between
// records.
func sealBlob(plaintext, key []byte, binding [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	output[0] = blobVersion
	copy(output[1:], nonce[:])

	return aead.Seal(output, nonce[:], plaintext, buildAAD(blobVersion, binding)), nil
}

// openBlob decrypts a blob produced by sealBlob, verifying the version byte
// and authenticating against the binding digest.
func openBlob(blob, key []byte, binding [32]byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d", len(blob), blobOverhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("sealed blob version %d is not supported (expected %d)", blob[0], blobVersion)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(blob[0], binding))
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed: %w", err)
	}
	return plaintext, nil
}

func buildAAD(version byte, binding [32]byte) []byte {
	aad := make([]byte, 1+len(binding))
	aad[0] = version
	copy(aad[1:], binding[:])
	return aad
}

// newKeyMaterial generates fresh random master key material.
func newKeyMaterial() ([]byte, error) {
	material := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return material, nil
}

// bindingFor hashes an arbitrary identity string into an AAD binding.
func bindingFor(identity string) [32]byte {
	return blake3.Sum256([]byte(identity))
}
