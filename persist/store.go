package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by LoadCredentials when no credentials have been
// persisted yet.
var ErrNotFound = errors.New("credentials not found")

// Credentials is the persisted unlock material: the key-derivation salt and
// the key verifier. Neither value is secret on its own: the salt anchors the
// password derivation and the verifier only confirms a candidate key. Both
// must survive intact for the installation to remain unlockable.
type Credentials struct {
	Version   int       `json:"version"`
	Salt      []byte    `json:"salt"`
	Verifier  []byte    `json:"verifier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate performs structural checks on a loaded record.
func (c *Credentials) Validate() error {
	if c == nil {
		return errors.New("nil credentials")
	}
	if c.Version < 1 {
		return fmt.Errorf("invalid credentials version %d", c.Version)
	}
	if len(c.Salt) < 16 {
		return fmt.Errorf("salt too short: %d bytes", len(c.Salt))
	}
	if len(c.Verifier) == 0 {
		return errors.New("missing verifier")
	}
	return nil
}

// Store defines the interface for persisting the salt/verifier pair.
//
// SaveCredentials must be atomic (a reader never observes a partial write)
// and durable before it returns, since unlock and password-change success is
// reported to the user only once the credentials are safely stored. The
// stored bytes are not ciphertext and are never interpreted by the store.
type Store interface {
	// LoadCredentials retrieves the persisted credentials.
	// Returns ErrNotFound when no credentials exist.
	LoadCredentials() (*Credentials, error)

	// SaveCredentials persists the credentials atomically and durably,
	// replacing any existing record.
	SaveCredentials(creds *Credentials) error

	// CredentialsExist reports whether a credentials record is present.
	CredentialsExist() (bool, error)

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources held by the store.
	Close() error
}
