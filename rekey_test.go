package lockbox

import (
	"errors"
	"fmt"
	"testing"

	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/persist"
)

func TestChangePasswordWithoutData(t *testing.T) {
	m := newUnlockedManager(t)

	if err := m.ChangePassword(testPassword, testNewPassword, nil); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	m.Lock()
	if ok, _ := m.Unlock(testPassword); ok {
		t.Error("old password still unlocks after change")
	}
	ok, err := m.Unlock(testNewPassword)
	if err != nil || !ok {
		t.Fatalf("new password rejected: ok=%v err=%v", ok, err)
	}
}

func TestChangePasswordMigratesData(t *testing.T) {
	m := newUnlockedManager(t)
	fields := m.Fields()

	sealed, err := fields.EncryptField("config.token", []byte("secret-value"))
	if err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}

	migrated := sealed
	err = m.ChangePassword(testPassword, testNewPassword, func(rk *Rekey) error {
		return rk.UseKeys(func(oldKey, newKey []byte) error {
			plain, err := DecryptFieldWithKey(oldKey, "config.token", sealed)
			if err != nil {
				return err
			}
			migrated, err = EncryptFieldWithKey(newKey, "config.token", plain)
			return err
		})
	})
	if err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// The old envelope no longer decrypts; the migrated one does
	if _, err = fields.DecryptField("config.token", sealed); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("pre-change envelope: got %v, want ErrAuthenticationFailure", err)
	}
	plain, err := fields.DecryptField("config.token", migrated)
	if err != nil {
		t.Fatalf("migrated envelope failed to decrypt: %v", err)
	}
	if string(plain) != "secret-value" {
		t.Errorf("got %q, want %q", plain, "secret-value")
	}
}

func TestChangePasswordRejectsWrongOldPassword(t *testing.T) {
	m := newUnlockedManager(t)

	err := m.ChangePassword("not-the-right-one-at-all", testNewPassword, nil)
	if !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("got %v, want ErrInvalidPassword", err)
	}

	m.Lock()
	if ok, _ := m.Unlock(testPassword); !ok {
		t.Error("original password no longer unlocks after rejected change")
	}
}

func TestChangePasswordRejectsWeakNewPassword(t *testing.T) {
	m := newUnlockedManager(t)

	if err := m.ChangePassword(testPassword, "weak", nil); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("got %v, want ErrWeakPassword", err)
	}
}

func TestChangePasswordAbortsOnMigrationFailure(t *testing.T) {
	m := newUnlockedManager(t)

	migrationErr := errors.New("disk full")
	err := m.ChangePassword(testPassword, testNewPassword, func(rk *Rekey) error {
		return migrationErr
	})
	if !errors.Is(err, migrationErr) {
		t.Fatalf("got %v, want wrapped migration error", err)
	}

	// Old password remains active
	m.Lock()
	if ok, _ := m.Unlock(testPassword); !ok {
		t.Error("original password no longer unlocks after aborted change")
	}
	if ok, _ := m.Unlock(testNewPassword); ok {
		t.Error("new password unlocks despite aborted change")
	}
}

func TestBeginRekeyRequiresUnlocked(t *testing.T) {
	m := newUnlockedManager(t)
	m.Lock()

	if _, err := m.BeginRekey(testPassword, testNewPassword); !errors.Is(err, ErrLocked) {
		t.Errorf("got %v, want ErrLocked", err)
	}
}

func TestBeginRekeySingleFlight(t *testing.T) {
	m := newUnlockedManager(t)

	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}

	if _, err = m.BeginRekey(testPassword, testNewPassword); !errors.Is(err, ErrRekeyInProgress) {
		t.Errorf("got %v, want ErrRekeyInProgress", err)
	}

	rk.Abort()

	// After Abort a new rekey may begin
	rk2, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey after Abort failed: %v", err)
	}
	rk2.Abort()
}

func TestRekeyAbortKeepsOldKeyActive(t *testing.T) {
	m := newUnlockedManager(t)

	sealed, err := m.Fields().EncryptField("scope.field", []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}

	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}
	rk.Abort()
	rk.Abort() // idempotent

	plain, err := m.Fields().DecryptField("scope.field", sealed)
	if err != nil {
		t.Fatalf("decryption failed after abort: %v", err)
	}
	if string(plain) != "payload" {
		t.Errorf("got %q, want %q", plain, "payload")
	}
}

func TestRekeyUseKeysAfterFinish(t *testing.T) {
	m := newUnlockedManager(t)

	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}
	rk.Abort()

	if err = rk.UseKeys(func(oldKey, newKey []byte) error { return nil }); err == nil {
		t.Error("UseKeys succeeded on a finished rekey")
	}
	if err = rk.Commit(); err == nil {
		t.Error("Commit succeeded on a finished rekey")
	}
}

func TestRekeyPersistsFreshSalt(t *testing.T) {
	store, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	m, err := New(testOptions(), store, audit.NewNoOpLogger())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	defer m.Close()
	if err = m.Initialize(testPassword); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	before, err := store.LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}

	if err = m.ChangePassword(testPassword, testNewPassword, nil); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	after, err := store.LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials after change failed: %v", err)
	}
	allZero := true
	for _, b := range after.Salt {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatalf("persisted salt is all zeros (%d bytes)", len(after.Salt))
	}
	if string(after.Salt) == string(before.Salt) {
		t.Error("salt not replaced by the password change")
	}
	if string(after.Verifier) == string(before.Verifier) {
		t.Error("verifier not replaced by the password change")
	}

	// The new password must unlock from the persisted record alone
	m.Lock()
	ok, err := m.Unlock(testNewPassword)
	if err != nil || !ok {
		t.Fatalf("Unlock with new password: ok=%v err=%v", ok, err)
	}
}

func TestRekeyCommitRunsFinalizers(t *testing.T) {
	m := newUnlockedManager(t)

	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}

	commits := 0
	aborted := false
	rk.OnCommit(func() error { commits++; return nil })
	rk.OnAbort(func() { aborted = true })

	if err = rk.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if commits != 1 {
		t.Errorf("commit hook ran %d times, want 1", commits)
	}
	if aborted {
		t.Error("abort hook ran on a successful commit")
	}
}

func TestRekeyAbortRunsAbortHooks(t *testing.T) {
	m := newUnlockedManager(t)

	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}

	committed := false
	aborted := false
	rk.OnCommit(func() error { committed = true; return nil })
	rk.OnAbort(func() { aborted = true })

	rk.Abort()
	if committed {
		t.Error("commit hook ran on abort")
	}
	if !aborted {
		t.Error("abort hook did not run")
	}
}

func TestRekeyFinalizerFailureRestoresCredentials(t *testing.T) {
	m := newUnlockedManager(t)

	finalizerErr := errors.New("migration store unavailable")
	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}
	aborted := false
	rk.OnCommit(func() error { return finalizerErr })
	rk.OnAbort(func() { aborted = true })

	if err = rk.Commit(); !errors.Is(err, finalizerErr) {
		t.Fatalf("got %v, want wrapped finalizer error", err)
	}
	if !aborted {
		t.Error("abort hook did not run after the failed finalizer")
	}

	// The previous credentials were written back: the old password unlocks,
	// the new one does not
	m.Lock()
	if ok, _ := m.Unlock(testPassword); !ok {
		t.Error("original password no longer unlocks after failed finalizer")
	}
	if ok, _ := m.Unlock(testNewPassword); ok {
		t.Error("new password unlocks despite failed finalizer")
	}
}

func TestLockDiscardsInFlightRekey(t *testing.T) {
	m := newUnlockedManager(t)

	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}
	aborted := false
	rk.OnAbort(func() { aborted = true })

	m.Lock()
	if !aborted {
		t.Error("in-flight rekey survived Lock")
	}
	if err = rk.UseKeys(func(oldKey, newKey []byte) error { return nil }); err == nil {
		t.Error("UseKeys succeeded after Lock")
	}
	if err = rk.Commit(); err == nil {
		t.Error("Commit succeeded after Lock")
	}

	// The slot is clear for a fresh cycle
	if ok, _ := m.Unlock(testPassword); !ok {
		t.Fatal("original password no longer unlocks")
	}
	rk2, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey after Lock failed: %v", err)
	}
	rk2.Abort()
}

// failingSaveStore wraps a real store but fails every SaveCredentials call
// after initialization, to exercise the commit rollback path.
type failingSaveStore struct {
	persist.Store
	armed bool
}

func (f *failingSaveStore) SaveCredentials(creds *persist.Credentials) error {
	if f.armed {
		return fmt.Errorf("simulated storage outage")
	}
	return f.Store.SaveCredentials(creds)
}

func TestRekeyCommitRollsBackOnPersistFailure(t *testing.T) {
	inner, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store := &failingSaveStore{Store: inner}

	m, err := New(testOptions(), store, audit.NewNoOpLogger())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	defer m.Close()

	if err = m.Initialize(testPassword); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	store.armed = true

	rk, err := m.BeginRekey(testPassword, testNewPassword)
	if err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}
	aborted := false
	rk.OnAbort(func() { aborted = true })
	if err = rk.Commit(); err == nil {
		t.Fatal("Commit succeeded despite persistence failure")
	}
	if !aborted {
		t.Error("abort hook did not run after failed persist")
	}

	// Old credentials remain in effect
	if !m.IsUnlocked() {
		t.Error("manager locked itself after failed commit")
	}
	m.Lock()
	store.armed = false
	if ok, _ := m.Unlock(testPassword); !ok {
		t.Error("original password no longer unlocks after failed commit")
	}
	if ok, _ := m.Unlock(testNewPassword); ok {
		t.Error("new password unlocks despite failed commit")
	}
}
