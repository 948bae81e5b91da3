package lockbox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	icrypto "southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

// Rekey is an in-flight password change. It holds both the active (old) key
// and the candidate (new) key so the caller can re-encrypt every stored
// envelope under the new key while the old one is still available.
//
// Protocol:
//
//	rk, err := m.BeginRekey(oldPassword, newPassword)
//	... re-encrypt stored data via rk.UseKeys / the keyed codec variants ...
//	err = rk.Commit()   // or rk.Abort()
//
// Until Commit succeeds, nothing is persisted and the old key remains the
// active one: encrypt/decrypt through the manager keeps using it, and a
// crash or Abort leaves the system exactly as it was. Commit persists the
// new salt and verifier atomically, runs any registered finalizers, then
// swaps the guarded slot and wipes the old key, so the transition is
// all-or-nothing. Only one Rekey may be in flight at a time.
//
// Collaborators that rewrite stored ciphertext during the migration must not
// make the rewrite durable before the new credentials are: they register the
// durable step with OnCommit and a rollback with OnAbort, so their data
// moves to the new key only if the password change itself lands.
type Rekey struct {
	m           *Manager
	oldKey      *memguard.Enclave
	newKey      *memguard.Enclave
	newSalt     []byte
	newVerifier []byte
	onCommit    []func() error
	onAbort     []func()
	done        bool
}

// BeginRekey verifies the old password, derives a new key under a fresh
// salt, and returns the two-phase handle. The manager stays usable with the
// old key while the caller runs its re-encryption pass; the exclusive lock
// is not held in between, so a long migration does not block readers.
//
// Fails with ErrLocked when locked, ErrInvalidPassword when oldPassword does
// not match the current verifier, ErrWeakPassword when newPassword fails the
// strength policy, and ErrRekeyInProgress when another rekey is active.
func (m *Manager) BeginRekey(oldPassword, newPassword string) (*Rekey, error) {
	if err := m.checkPasswordPolicy(newPassword); err != nil {
		m.logAudit("rekey_begin", err, nil)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("manager is closed")
	}
	if m.keyEnclave == nil {
		return nil, ErrLocked
	}
	if m.rekey != nil {
		m.logAudit("rekey_begin", ErrRekeyInProgress, nil)
		return nil, ErrRekeyInProgress
	}

	// Re-derive from the old password and test against the active verifier
	oldCandidate, err := icrypto.DeriveKey([]byte(oldPassword), m.saltEnclave, m.kdfParams())
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	if !checkVerifier(oldCandidate.Bytes(), m.verifier) {
		oldCandidate.Destroy()
		m.logAudit("rekey_begin", ErrInvalidPassword, nil)
		return nil, ErrInvalidPassword
	}
	oldCandidate.Destroy()

	newSalt := make([]byte, misc.SaltSize)
	if _, err = rand.Read(newSalt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// NewEnclave wipes its source slice; derive from a copy, Commit still
	// has to persist the plaintext salt
	newKey, newVerifier, err := m.deriveAndVerify(newPassword, memguard.NewEnclave(append([]byte(nil), newSalt...)))
	if err != nil {
		return nil, err
	}

	rk := &Rekey{
		m:           m,
		oldKey:      m.keyEnclave,
		newKey:      newKey,
		newSalt:     newSalt,
		newVerifier: newVerifier,
	}
	m.rekey = rk

	m.logAudit("rekey_begin", nil, nil)
	return rk, nil
}

// ChangePassword rotates the key material and verifier in one call. The
// migrate callback, when non-nil, runs between Begin and Commit and is the
// caller's chance to decrypt every existing envelope with the old key and
// re-encrypt it under the new key; a migrate error aborts the change,
// leaving the old password and all existing ciphertext untouched. Rewrites
// that persist data must stay provisional inside migrate and register their
// durable step via OnCommit, so a failed commit cannot leave stored data on
// a key whose credentials never landed.
func (m *Manager) ChangePassword(oldPassword, newPassword string, migrate func(*Rekey) error) error {
	rk, err := m.BeginRekey(oldPassword, newPassword)
	if err != nil {
		return err
	}

	if migrate != nil {
		if err = migrate(rk); err != nil {
			rk.Abort()
			m.logAudit("change_password", err, nil)
			return fmt.Errorf("re-encryption failed: %w", err)
		}
	}

	if err = rk.Commit(); err != nil {
		m.logAudit("change_password", err, nil)
		return err
	}

	m.logAudit("change_password", nil, nil)
	return nil
}

// UseKeys invokes fn with the old and new keys for one re-encryption call.
// Both slices are backed by locked memory destroyed when fn returns; fn must
// not retain them.
func (rk *Rekey) UseKeys(fn func(oldKey, newKey []byte) error) error {
	rk.m.mu.RLock()
	defer rk.m.mu.RUnlock()

	if rk.done {
		return errors.New("rekey already finished")
	}
	if rk.m.keyEnclave == nil {
		return ErrLocked
	}

	oldBuffer, err := rk.oldKey.Open()
	if err != nil {
		return fmt.Errorf("failed to access old key: %w", err)
	}
	defer oldBuffer.Destroy()

	newBuffer, err := rk.newKey.Open()
	if err != nil {
		return fmt.Errorf("failed to access new key: %w", err)
	}
	defer newBuffer.Destroy()

	return fn(oldBuffer.Bytes(), newBuffer.Bytes())
}

// OnCommit registers fn to run inside Commit, after the new credentials are
// durably persisted and before the guarded slot swaps. A finalizer error
// fails the Commit: the previous credentials are written back, the new key
// material is dropped, and the old password stays active.
func (rk *Rekey) OnCommit(fn func() error) {
	rk.m.mu.Lock()
	defer rk.m.mu.Unlock()
	rk.onCommit = append(rk.onCommit, fn)
}

// OnAbort registers fn to run when the rekey is discarded without taking
// effect, whether through Abort, a failed Commit, or Lock.
func (rk *Rekey) OnAbort(fn func()) {
	rk.m.mu.Lock()
	defer rk.m.mu.Unlock()
	rk.onAbort = append(rk.onAbort, fn)
}

// Commit persists the new salt and verifier atomically, runs the registered
// finalizers, and swaps the guarded slot to the new key. On a persistence or
// finalizer failure the rekey is discarded and the old key, salt, and
// verifier remain active; nothing is ever partially persisted. After Commit
// returns nil, the old password no longer unlocks and the old key is gone
// from memory.
func (rk *Rekey) Commit() error {
	m := rk.m

	m.mu.Lock()
	defer m.mu.Unlock()

	if rk.done {
		return errors.New("rekey already finished")
	}
	if m.closed {
		rk.discardLocked()
		return errors.New("manager is closed")
	}
	if m.keyEnclave == nil {
		// Locked while the rekey was in flight; nothing to swap
		rk.discardLocked()
		m.logAudit("rekey_commit", ErrLocked, nil)
		return ErrLocked
	}

	// Snapshot the active credentials so a failed finalizer can put them back
	oldCreds, err := m.credentialsLocked()
	if err != nil {
		rk.discardLocked()
		m.logAudit("rekey_commit", err, nil)
		return err
	}

	creds := &persist.Credentials{
		Version:   misc.CredentialsVersion,
		Salt:      rk.newSalt,
		Verifier:  rk.newVerifier,
		UpdatedAt: time.Now().UTC(),
	}

	if err = m.store.SaveCredentials(creds); err != nil {
		// Roll back: old key/salt/verifier stay active, new material dropped
		rk.discardLocked()
		m.logAudit("rekey_commit", err, nil)
		return fmt.Errorf("failed to persist new credentials: %w", err)
	}

	// Finalizers run under the write lock, so no key consumer can observe
	// the store mid-transition. The field store commits its re-encryption
	// transaction here.
	for _, fn := range rk.onCommit {
		if err = fn(); err != nil {
			if restoreErr := m.store.SaveCredentials(oldCreds); restoreErr != nil {
				rk.discardLocked()
				m.logAudit("rekey_commit", err, nil)
				return errors.Join(
					fmt.Errorf("commit finalizer failed: %w", err),
					fmt.Errorf("failed to restore previous credentials: %w", restoreErr),
				)
			}
			rk.discardLocked()
			m.logAudit("rekey_commit", err, nil)
			return fmt.Errorf("commit finalizer failed: %w", err)
		}
	}
	rk.onCommit = nil
	rk.onAbort = nil

	m.keyEnclave = rk.newKey
	m.saltEnclave = memguard.NewEnclave(rk.newSalt)
	m.verifier = rk.newVerifier

	rk.oldKey = nil
	rk.done = true
	m.rekey = nil

	m.logAudit("rekey_commit", nil, nil)
	return nil
}

// Abort discards the new key material; the old password and key remain
// active. Idempotent, and safe to call after a failed Commit.
func (rk *Rekey) Abort() {
	m := rk.m

	m.mu.Lock()
	defer m.mu.Unlock()

	if rk.done {
		return
	}

	rk.discardLocked()
	m.logAudit("rekey_abort", nil, nil)
}

// discardLocked drops the candidate material and runs the abort hooks so
// collaborators roll back their pending migrations. Caller holds m.mu.
func (rk *Rekey) discardLocked() {
	for _, fn := range rk.onAbort {
		fn()
	}
	rk.onAbort = nil
	rk.onCommit = nil
	rk.done = true
	rk.newKey = nil
	rk.oldKey = nil
	memguard.WipeBytes(rk.newVerifier)
	rk.newVerifier = nil
	memguard.WipeBytes(rk.newSalt)
	rk.newSalt = nil
	rk.m.rekey = nil
}
