package lockbox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the master key length in bytes (256 bits).
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the AEAD nonce length in bytes (96 bits).
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the Poly1305 authentication tag length in bytes.
	TagSize = chacha20poly1305.Overhead

	// maxPlaintextSize caps a single Seal call. Larger payloads go through
	// the file codec, which processes bounded chunks.
	maxPlaintextSize = 64 * 1024 * 1024
)

// Encrypt encrypts plaintext under key with ChaCha20-Poly1305 AEAD, binding
// aad into the authentication tag without encrypting it.
//
// OUTPUT FORMAT:
//
//	[12 bytes: Nonce (random)]
//	[N bytes: Ciphertext]
//	[16 bytes: Authentication Tag]
//
// The nonce is drawn fresh from the system CSPRNG on every call, so a
// (key, nonce) pair is never reused across distinct plaintexts. The design
// bound of ~2^32 messages per key keeps the random-nonce collision
// probability cryptographically negligible; rotate the key before exceeding
// that volume.
//
// The same aad must be supplied to Decrypt; a mismatch fails authentication.
// aad may be nil.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	if len(plaintext) > maxPlaintextSize {
		return nil, errors.New("plaintext too large")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext+tag directly after the nonce
	blob := aead.Seal(nonce, nonce, plaintext, aad)

	return blob, nil
}

// Decrypt reverses Encrypt. The blob is split into nonce and ciphertext, the
// tag is verified against key and aad, and the plaintext is returned only
// when authentication succeeds.
//
// A tag mismatch (wrong key, wrong aad, or tampering) yields
// ErrAuthenticationFailure; no partial plaintext is ever returned. A blob too
// short to contain a nonce and tag yields ErrFormat.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", ErrFormat)
	}

	nonce := blob[:aead.NonceSize()]
	ciphertext := blob[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}

	return plaintext, nil
}
