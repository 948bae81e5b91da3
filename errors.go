package lockbox

import "errors"

// Typed outcomes surfaced by the engine, key manager, and codecs. Callers
// should match with errors.Is; operational details are attached by wrapping.
var (
	// ErrInvalidPassword is returned when a candidate password fails the
	// verifier check during a password change or rekey. Unlock reports a
	// wrong password as a false return instead, since it is an expected,
	// user-recoverable outcome rather than a structural failure.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrAuthenticationFailure is returned when an AEAD tag does not verify:
	// tampering, corruption, a wrong key, or mismatched associated data.
	// Retrying with the same inputs cannot succeed.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrLocked is returned when an operation requires the unlocked state.
	ErrLocked = errors.New("lockbox is locked")

	// ErrFormat is returned for unrecognized envelope or file structure,
	// including unknown format versions.
	ErrFormat = errors.New("unrecognized data format")

	// ErrTruncated is returned when an encrypted file ends mid-chunk.
	ErrTruncated = errors.New("truncated encrypted file")

	// ErrRekeyInProgress is returned when a second password change is
	// attempted while one is already running.
	ErrRekeyInProgress = errors.New("rekey already in progress")

	// ErrCancelled is returned when a file operation is cancelled between
	// chunks; any partial output must be discarded by the caller.
	ErrCancelled = errors.New("operation cancelled")

	// ErrWeakPassword is returned by Initialize and password changes when
	// the new password fails the strength policy.
	ErrWeakPassword = errors.New("password too weak")

	// ErrNotInitialized is returned by Unlock when no credentials exist yet.
	ErrNotInitialized = errors.New("no credentials found, initialize first")

	// ErrAlreadyInitialized is returned by Initialize when credentials exist.
	ErrAlreadyInitialized = errors.New("credentials already exist")
)
