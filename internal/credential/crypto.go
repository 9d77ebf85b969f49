// Package credential implements the secure credential store (C7, spec.md
// §4.7): PBKDF2-HMAC-SHA256 master-key derivation, ChaCha20-Poly1305
// encryption at rest, rotation tracking, and a tamper-evident audit log.
//
// Grounded on original_source/agent-rust/src/security.rs for the
// encryption scheme (ring::pbkdf2::PBKDF2_HMAC_SHA256 deriving a
// CHACHA20_POLY1305 key) and the credential/rotation data model,
// translated to golang.org/x/crypto/pbkdf2 and
// golang.org/x/crypto/chacha20poly1305 — the teacher repo has no
// encryption-at-rest code of its own, so this package leans on the
// original source plus the ecosystem's standard AEAD packages for the
// cipher, while keeping the teacher's internal/auth/hash.go salt-encoding
// and constant-time-compare conventions for anything password-shaped.
//
// Deviation from the original: derive_master_key in security.rs draws a
// fresh random salt on every call and never persists it, which would make
// every credential unrecoverable after a process restart (the next
// derive_master_key call produces a different key). This store persists
// the master salt alongside the credential file so the derived key is
// stable across restarts — an open question the original leaves
// unresolved, decided here in favor of the only behavior a durable
// credential store can have.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	masterSaltLen = 32
	credSaltLen   = 32
	keyLen        = chacha20poly1305.KeySize // 32
)

// deriveKey runs PBKDF2-HMAC-SHA256 over password+salt for iterations
// rounds, producing a key sized for ChaCha20-Poly1305.
func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("credential: generate random bytes: %w", err)
	}
	return b, nil
}

// sealValue encrypts plaintext under key, binding the ciphertext to aad
// (the credential's id and salt) so a sealed value cannot be replayed
// under a different credential record — original_source's Aad::empty()
// left this unbound; binding it closes that gap.
func sealValue(key, aad []byte, plaintext string) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("credential: construct aead: %w", err)
	}
	nonce, err = randomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, []byte(plaintext), aad)
	return ciphertext, nonce, nil
}

func openValue(key, nonce, aad, ciphertext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("credential: construct aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return "", fmt.Errorf("credential: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// credentialHash returns a base64 SHA-256 digest of data, used only for
// the audit trail (never for the key itself) — mirrors
// calculate_credential_hash in security.rs.
func credentialHash(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// constantTimeEqual reports whether a and b are identical, in time
// independent of where they first differ (teacher's internal/auth/hash.go
// VerifyAPIKey convention, reused here for the master-key-check used on
// Initialize to fail fast on a wrong password without a timing leak).
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
