package lockbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	icrypto "southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

// backupEnvelope is the serialised form of a credentials export before
// passphrase encryption is applied.
type backupEnvelope struct {
	Version     int                  `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	Credentials *persist.Credentials `json:"credentials"`
	Checksum    string               `json:"checksum"`
}

// ExportCredentials writes the persisted salt and verifier to backupPath,
// encrypted under an independent passphrase. Restoring the export alongside
// the encrypted data files makes the store portable to another machine; the
// export never contains the master key, only the material to re-derive it
// from the password.
//
// The passphrase protecting the export is separate from the store password
// and should be at least as strong.
func (m *Manager) ExportCredentials(backupPath, passphrase string) error {
	if passphrase == "" {
		err := fmt.Errorf("%w: backup passphrase must not be empty", ErrInvalidPassword)
		m.logAudit("export_credentials", err, nil)
		return err
	}

	creds, err := m.store.LoadCredentials()
	if err != nil {
		m.logAudit("export_credentials", err, nil)
		if errors.Is(err, persist.ErrNotFound) {
			return ErrNotInitialized
		}
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		m.logAudit("export_credentials", err, nil)
		return fmt.Errorf("failed to serialise credentials: %w", err)
	}

	envelope := backupEnvelope{
		Version:     misc.CredentialsVersion,
		CreatedAt:   time.Now().UTC(),
		Credentials: creds,
		Checksum:    icrypto.CalculateChecksum(payload),
	}

	plain, err := json.Marshal(envelope)
	if err != nil {
		m.logAudit("export_credentials", err, nil)
		return fmt.Errorf("failed to serialise backup: %w", err)
	}

	encrypted, err := icrypto.EncryptWithPassphrase(plain, passphrase)
	if err != nil {
		m.logAudit("export_credentials", err, nil)
		return fmt.Errorf("failed to encrypt backup: %w", err)
	}

	if err = os.WriteFile(backupPath, encrypted, misc.FilePermissions); err != nil {
		m.logAudit("export_credentials", err, nil)
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	m.logAudit("export_credentials", nil, map[string]interface{}{"path": backupPath})
	return nil
}

// ImportCredentials restores a credentials export produced by
// ExportCredentials into the manager's store. Refuses to overwrite an
// already initialised store; the manager must subsequently be unlocked with
// the password that was active when the export was taken.
func (m *Manager) ImportCredentials(backupPath, passphrase string) error {
	exists, err := m.store.CredentialsExist()
	if err != nil {
		m.logAudit("import_credentials", err, nil)
		return fmt.Errorf("failed to check store state: %w", err)
	}
	if exists {
		m.logAudit("import_credentials", ErrAlreadyInitialized, nil)
		return ErrAlreadyInitialized
	}

	encrypted, err := os.ReadFile(backupPath)
	if err != nil {
		m.logAudit("import_credentials", err, nil)
		return fmt.Errorf("failed to read backup file: %w", err)
	}

	plain, err := icrypto.DecryptWithPassphrase(encrypted, passphrase)
	if err != nil {
		m.logAudit("import_credentials", err, nil)
		return fmt.Errorf("%w: backup decryption failed", ErrAuthenticationFailure)
	}

	var envelope backupEnvelope
	if err = json.Unmarshal(plain, &envelope); err != nil {
		m.logAudit("import_credentials", err, nil)
		return fmt.Errorf("%w: malformed backup payload: %v", ErrFormat, err)
	}
	if envelope.Credentials == nil {
		m.logAudit("import_credentials", ErrFormat, nil)
		return fmt.Errorf("%w: backup carries no credentials", ErrFormat)
	}

	payload, err := json.Marshal(envelope.Credentials)
	if err != nil {
		m.logAudit("import_credentials", err, nil)
		return fmt.Errorf("failed to serialise credentials: %w", err)
	}
	if icrypto.CalculateChecksum(payload) != envelope.Checksum {
		m.logAudit("import_credentials", ErrFormat, nil)
		return fmt.Errorf("%w: backup checksum mismatch", ErrFormat)
	}

	if err = envelope.Credentials.Validate(); err != nil {
		m.logAudit("import_credentials", err, nil)
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if err = m.store.SaveCredentials(envelope.Credentials); err != nil {
		m.logAudit("import_credentials", err, nil)
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	m.logAudit("import_credentials", nil, map[string]interface{}{"path": backupPath})
	return nil
}
