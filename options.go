package lockbox

import (
	"fmt"

	"southwinds.dev/lockbox/internal/misc"
)

// Options represents configuration parameters for the key manager and codecs.
//
// The zero value is not usable directly; call DefaultOptions and adjust, or
// validate explicitly with Validate before passing to New. Passwords are
// never part of Options; they are supplied per call and wiped after use.
type Options struct {
	// KDFTime is the Argon2id iteration count. Floor: 2.
	KDFTime uint32 `json:"kdf_time"`

	// KDFMemoryKiB is the Argon2id memory cost in KiB. Floor: 19456 (19 MiB).
	KDFMemoryKiB uint32 `json:"kdf_memory_kib"`

	// KDFThreads is the Argon2id parallelism degree.
	KDFThreads uint8 `json:"kdf_threads"`

	// MinPasswordLength is the minimum password length accepted at setup
	// and password change.
	MinPasswordLength int `json:"min_password_length"`

	// MinPasswordScore is the minimum zxcvbn strength score (0-4) accepted
	// at setup and password change.
	MinPasswordScore int `json:"min_password_score"`

	// FileChunkSize is the plaintext chunk size for the file codec in bytes.
	// Peak memory during file encryption/decryption is bounded by one chunk.
	FileChunkSize int `json:"file_chunk_size"`

	// EnableMemoryLock requests that the process memory be locked against
	// swapping (mlock). Failure to lock is not fatal; the achieved level is
	// reported by Manager.MemoryProtection.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

// DefaultOptions returns the recommended configuration.
func DefaultOptions() Options {
	return Options{
		KDFTime:           misc.ArgonTime,
		KDFMemoryKiB:      misc.ArgonMemory,
		KDFThreads:        misc.ArgonThreads,
		MinPasswordLength: 12,
		MinPasswordScore:  2,
		FileChunkSize:     defaultChunkSize,
		EnableMemoryLock:  true,
	}
}

// Validate checks the options against the security floors. Derivation
// parameters below the floors would weaken brute-force resistance and are
// rejected rather than silently raised.
func (o Options) Validate() error {
	if o.KDFTime < misc.ArgonTime {
		return fmt.Errorf("kdf time %d below floor %d", o.KDFTime, misc.ArgonTime)
	}
	if o.KDFMemoryKiB < misc.ArgonMemory {
		return fmt.Errorf("kdf memory %d KiB below floor %d KiB", o.KDFMemoryKiB, misc.ArgonMemory)
	}
	if o.KDFThreads == 0 {
		return fmt.Errorf("kdf threads must be at least 1")
	}
	if o.MinPasswordLength < 8 {
		return fmt.Errorf("minimum password length %d below floor 8", o.MinPasswordLength)
	}
	if o.MinPasswordScore < 0 || o.MinPasswordScore > 4 {
		return fmt.Errorf("minimum password score %d outside range 0-4", o.MinPasswordScore)
	}
	if o.FileChunkSize < 4*1024 || o.FileChunkSize > 16*1024*1024 {
		return fmt.Errorf("file chunk size %d outside range 4KiB-16MiB", o.FileChunkSize)
	}
	return nil
}
