package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/lockbox/internal/misc"
)

// KDFParams holds the Argon2id parameters used for password-based key
// derivation. Zero values fall back to the defaults in internal/misc.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

func (p KDFParams) withDefaults() KDFParams {
	if p.Time == 0 {
		p.Time = misc.ArgonTime
	}
	if p.Memory == 0 {
		p.Memory = misc.ArgonMemory
	}
	if p.Threads == 0 {
		p.Threads = misc.ArgonThreads
	}
	if p.KeyLen == 0 {
		p.KeyLen = misc.ArgonKeyLen
	}
	return p
}

// DeriveKey derives a key from a password and a salt held in a memguard
// enclave using Argon2id. The returned buffer is protected memory; the
// caller must Destroy it after use.
func DeriveKey(password []byte, saltEnclave *memguard.Enclave, params KDFParams) (*memguard.LockedBuffer, error) {
	if saltEnclave == nil {
		return nil, errors.New("derivation salt not initialized")
	}

	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	// Copy the salt out so the buffer can be destroyed independently of the
	// derivation call.
	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	p := params.withDefaults()
	derivedKey := argon2.IDKey(password, saltBytes, p.Time, p.Memory, p.Threads, p.KeyLen)

	// Protect the derived key immediately
	protectedKey := memguard.NewBufferFromBytes(derivedKey)

	return protectedKey, nil
}

// EncryptWithPassphrase encrypts data using a passphrase with PBKDF2 +
// ChaCha20-Poly1305. Used for portable credential exports where the Argon2
// salt being exported cannot itself anchor the derivation.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	// Combine: salt + nonce + ciphertext
	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// DecryptWithPassphrase decrypts data produced by EncryptWithPassphrase.
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < 32+12 { // salt + nonce minimum
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:32]
	nonce := encryptedData[32:44]
	ciphertext := encryptedData[44:]

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates the SHA-256 checksum of data.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
