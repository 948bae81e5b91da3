package lockbox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/nbutton23/zxcvbn-go"

	"southwinds.dev/lockbox/audit"
	icrypto "southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/mem"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

func init() {
	// Ensure protected buffers are wiped if the process is interrupted
	memguard.CatchInterrupt()
}

// Manager owns the master key and its lifecycle.
//
// The key exists only in process memory while the manager is unlocked, held
// inside a memguard enclave, the single guarded slot. Consumers never
// receive the raw key to keep; UseKey hands out the key bytes for the
// duration of one callback, backed by locked memory that is destroyed when
// the callback returns.
//
// STATE MACHINE:
//
//	Locked --(Unlock, verifier match)--> Unlocked
//	Unlocked --(Lock)--> Locked
//	Unlocked --(BeginRekey .. Commit)--> Unlocked (key replaced in place)
//
// Thread safety: encrypt/decrypt consumers share a read lock, so concurrent
// crypto calls proceed in parallel. Lock, Initialize, and rekey commit take
// the write lock; a Lock call that returns guarantees no stale handle can
// reach the old key afterwards.
type Manager struct {
	mu    sync.RWMutex
	opts  Options
	store persist.Store
	audit audit.Logger

	// keyEnclave is the guarded slot. nil means Locked.
	keyEnclave *memguard.Enclave

	// saltEnclave holds the derivation salt matching the current key.
	saltEnclave *memguard.Enclave

	// verifier is the persisted verifier blob for the current key.
	verifier []byte

	// rekey is non-nil while a two-phase password change is in flight.
	rekey *Rekey

	closed        bool
	memProtection mem.ProtectionLevel
}

// New creates a Manager in the Locked state. The store provides the
// persisted salt/verifier record; auditLogger may be nil to disable audit
// logging.
func New(opts Options, store persist.Store, auditLogger audit.Logger) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	m := &Manager{
		opts:  opts,
		store: store,
		audit: auditLogger,
	}

	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// Reduced protection is reported, not fatal
			m.logAudit("memory_lock", err, nil)
		}
		m.memProtection = level
	}

	return m, nil
}

// Initialized reports whether a salt/verifier record exists in the store.
func (m *Manager) Initialized() (bool, error) {
	return m.store.CredentialsExist()
}

// Initialize performs first-time setup: it applies the password strength
// policy, generates a fresh salt, derives the master key, and persists the
// salt and verifier atomically before transitioning to Unlocked. Returns
// ErrAlreadyInitialized when a credentials record already exists.
func (m *Manager) Initialize(password string) error {
	if err := m.checkPasswordPolicy(password); err != nil {
		m.logAudit("initialize", err, nil)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("manager is closed")
	}

	exists, err := m.store.CredentialsExist()
	if err != nil {
		m.logAudit("initialize", err, nil)
		return fmt.Errorf("failed to check credentials: %w", err)
	}
	if exists {
		m.logAudit("initialize", ErrAlreadyInitialized, nil)
		return ErrAlreadyInitialized
	}

	saltBytes := make([]byte, misc.SaltSize)
	if _, err = rand.Read(saltBytes); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	// NewEnclave wipes its source slice; seal a copy, the plaintext salt
	// still has to be persisted below
	saltEnclave := memguard.NewEnclave(append([]byte(nil), saltBytes...))

	keyEnclave, verifier, err := m.deriveAndVerify(password, saltEnclave)
	if err != nil {
		return err
	}

	creds := &persist.Credentials{
		Version:   misc.CredentialsVersion,
		Salt:      saltBytes,
		Verifier:  verifier,
		UpdatedAt: time.Now().UTC(),
	}

	// Durable before the unlocked state is observable
	if err = m.store.SaveCredentials(creds); err != nil {
		m.logAudit("initialize", err, nil)
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	m.keyEnclave = keyEnclave
	m.saltEnclave = saltEnclave
	m.verifier = verifier

	m.logAudit("initialize", nil, nil)
	return nil
}

// Unlock derives a candidate key from the password and the persisted salt
// and tests it against the persisted verifier.
//
// A wrong password is an expected, retryable outcome and is reported as
// (false, nil); login surfaces must distinguish it from structural errors
// (missing credentials, storage failures), which arrive as a non-nil error.
// On success the key is stored in the guarded slot and later calls through
// UseKey succeed until Lock. No key material is retained after a failed
// attempt.
func (m *Manager) Unlock(password string) (bool, error) {
	if password == "" {
		return false, errors.New("password is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, errors.New("manager is closed")
	}

	creds, err := m.store.LoadCredentials()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return false, ErrNotInitialized
		}
		m.logAudit("unlock", err, nil)
		return false, fmt.Errorf("failed to load credentials: %w", err)
	}

	saltEnclave := memguard.NewEnclave(creds.Salt)

	candidate, err := icrypto.DeriveKey([]byte(password), saltEnclave, m.kdfParams())
	if err != nil {
		m.logAudit("unlock", err, nil)
		return false, fmt.Errorf("key derivation failed: %w", err)
	}

	if !checkVerifier(candidate.Bytes(), creds.Verifier) {
		candidate.Destroy()
		m.logAudit("unlock", errors.New("verifier mismatch"), nil)
		return false, nil
	}

	// Seal the verified key into the guarded slot
	m.keyEnclave = candidate.Seal()
	m.saltEnclave = saltEnclave
	m.verifier = creds.Verifier

	m.logAudit("unlock", nil, nil)
	return true, nil
}

// Lock wipes the guarded slot and transitions to Locked. Idempotent.
//
// Lock acquires the write lock, so it cannot interleave with in-flight
// UseKey calls; once Lock returns, every subsequent key access fails with
// ErrLocked and no previously issued handle remains usable.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// An in-flight rekey holds a handle to the key being wiped; it must not
	// outlive the slot
	if m.rekey != nil {
		m.rekey.discardLocked()
	}

	if m.keyEnclave == nil {
		return
	}

	m.keyEnclave = nil
	m.logAudit("lock", nil, nil)
}

// IsUnlocked reports whether the master key is currently available.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyEnclave != nil && !m.closed
}

// UseKey invokes fn with the master key for the duration of one
// cryptographic call. The key bytes live in locked memory that is destroyed
// when fn returns; fn must not retain the slice. Concurrent UseKey calls
// proceed in parallel; returns ErrLocked when the manager is locked.
func (m *Manager) UseKey(fn func(key []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return errors.New("manager is closed")
	}
	if m.keyEnclave == nil {
		return ErrLocked
	}

	keyBuffer, err := m.keyEnclave.Open()
	if err != nil {
		return fmt.Errorf("failed to access master key: %w", err)
	}
	defer keyBuffer.Destroy()

	return fn(keyBuffer.Bytes())
}

// MemoryProtection describes the level of swap protection achieved for key
// material.
func (m *Manager) MemoryProtection() string {
	switch m.memProtection {
	case mem.ProtectionFull:
		return "full (locked memory)"
	case mem.ProtectionPartial:
		return "partial (wipe on lock, swapping possible)"
	default:
		return "none"
	}
}

// Close locks the manager, releases the store and audit logger, and purges
// protected memory. The manager cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	if m.rekey != nil {
		m.rekey.discardLocked()
	}
	m.closed = true
	m.keyEnclave = nil
	m.saltEnclave = nil

	var errs []error
	if m.opts.EnableMemoryLock {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if err := m.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	memguard.Purge()

	return errors.Join(errs...)
}

// credentialsLocked rebuilds the persisted record for the currently active
// key, for restoring after a failed rekey finalizer. Caller holds m.mu.
func (m *Manager) credentialsLocked() (*persist.Credentials, error) {
	saltBuffer, err := m.saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access salt: %w", err)
	}
	defer saltBuffer.Destroy()

	return &persist.Credentials{
		Version:   misc.CredentialsVersion,
		Salt:      append([]byte(nil), saltBuffer.Bytes()...),
		Verifier:  append([]byte(nil), m.verifier...),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (m *Manager) kdfParams() icrypto.KDFParams {
	return icrypto.KDFParams{
		Time:    m.opts.KDFTime,
		Memory:  m.opts.KDFMemoryKiB,
		Threads: m.opts.KDFThreads,
		KeyLen:  misc.ArgonKeyLen,
	}
}

// deriveAndVerify derives a key from password+salt and computes its verifier,
// returning the key sealed in an enclave.
func (m *Manager) deriveAndVerify(password string, saltEnclave *memguard.Enclave) (*memguard.Enclave, []byte, error) {
	derived, err := icrypto.DeriveKey([]byte(password), saltEnclave, m.kdfParams())
	if err != nil {
		return nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}

	verifier, err := computeVerifier(derived.Bytes())
	if err != nil {
		derived.Destroy()
		return nil, nil, fmt.Errorf("failed to compute verifier: %w", err)
	}

	return derived.Seal(), verifier, nil
}

// checkPasswordPolicy applies the minimum length and zxcvbn strength score
// requirements to a new password.
func (m *Manager) checkPasswordPolicy(password string) error {
	if len(password) < m.opts.MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, m.opts.MinPasswordLength)
	}
	score := zxcvbn.PasswordStrength(password, nil).Score
	if score < m.opts.MinPasswordScore {
		return fmt.Errorf("%w: strength score %d below required %d", ErrWeakPassword, score, m.opts.MinPasswordScore)
	}
	return nil
}

func (m *Manager) logAudit(action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["request_id"] = uuid.NewString()
	if err != nil {
		metadata["error"] = err.Error()
	}
	// Audit failures must not fail the guarded operation
	_ = m.audit.Log(action, err == nil, metadata)
}
