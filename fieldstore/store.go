// Package fieldstore persists individual encrypted values in a SQLite
// database. Each value is encrypted through the field codec with a location
// identifier derived from its scope and name, so rows cannot be swapped or
// copied between fields without failing authentication.
package fieldstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"southwinds.dev/lockbox"
)

// ErrFieldNotFound is returned when no row exists for a scope and name.
var ErrFieldNotFound = errors.New("field not found")

const schema = `
CREATE TABLE IF NOT EXISTS secure_fields (
    scope      TEXT NOT NULL,
    name       TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (scope, name)
);`

// Store is an encrypted key-value store over SQLite. Values are encrypted
// before they reach the database; the database file alone reveals only
// scopes, names, and ciphertext lengths.
type Store struct {
	db      *sql.DB
	manager *lockbox.Manager
}

// Field describes one stored entry without its decrypted value.
type Field struct {
	Scope     string    `json:"scope"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open opens or creates the database at path and prepares the schema.
func Open(path string, manager *lockbox.Manager) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serialises internally but rejects concurrent writers
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	return &Store{db: db, manager: manager}, nil
}

// locationID binds a row to its position in the table.
func locationID(scope, name string) string {
	return "secure_fields." + scope + "." + name
}

// Put encrypts value and inserts or replaces the row for scope and name.
func (s *Store) Put(ctx context.Context, scope, name string, value []byte) error {
	encoded, err := s.manager.Fields().EncryptField(locationID(scope, name), value)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO secure_fields (scope, name, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, name, encoded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store field: %w", err)
	}
	return nil
}

// Get decrypts and returns the value stored for scope and name.
func (s *Store) Get(ctx context.Context, scope, name string) ([]byte, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secure_fields WHERE scope = ? AND name = ?`,
		scope, name).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, ErrFieldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load field: %w", err)
	}

	return s.manager.Fields().DecryptField(locationID(scope, name), encoded)
}

// Delete removes the row for scope and name. Deleting a missing row is not
// an error.
func (s *Store) Delete(ctx context.Context, scope, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM secure_fields WHERE scope = ? AND name = ?`, scope, name); err != nil {
		return fmt.Errorf("failed to delete field: %w", err)
	}
	return nil
}

// List returns the entries under scope, or all entries when scope is empty.
func (s *Store) List(ctx context.Context, scope string) ([]Field, error) {
	query := `SELECT scope, name, updated_at FROM secure_fields ORDER BY scope, name`
	args := []interface{}{}
	if scope != "" {
		query = `SELECT scope, name, updated_at FROM secure_fields WHERE scope = ? ORDER BY name`
		args = append(args, scope)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fields: %w", err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		if err = rows.Scan(&f.Scope, &f.Name, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan field row: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// Reencrypt rewrites every stored value from the old key to the new key of
// an in-flight password change, inside a single transaction. Meant to run as
// the migrate callback of ChangePassword: either every row moves to the new
// key or the transaction rolls back and all rows stay on the old one.
//
// The transaction is left open when Reencrypt returns. It commits through
// the rekey's commit hook, only after the new credentials are durably
// persisted, and rolls back if the rekey aborts or its commit fails; the
// rows can never end up on a key whose credentials were not stored.
func (s *Store) Reencrypt(ctx context.Context, rk *lockbox.Rekey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT scope, name, value FROM secure_fields`)
	if err != nil {
		return fmt.Errorf("failed to list fields: %w", err)
	}

	type row struct {
		scope, name, value string
	}
	var pending []row
	for rows.Next() {
		var r row
		if err = rows.Scan(&r.scope, &r.name, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan field row: %w", err)
		}
		pending = append(pending, r)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range pending {
		loc := locationID(r.scope, r.name)
		var rewritten string
		err = rk.UseKeys(func(oldKey, newKey []byte) error {
			plain, err := lockbox.DecryptFieldWithKey(oldKey, loc, r.value)
			if err != nil {
				return err
			}
			rewritten, err = lockbox.EncryptFieldWithKey(newKey, loc, plain)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to re-encrypt field %s: %w", loc, err)
		}

		if _, err = tx.ExecContext(ctx,
			`UPDATE secure_fields SET value = ?, updated_at = ? WHERE scope = ? AND name = ?`,
			rewritten, time.Now().UTC(), r.scope, r.name); err != nil {
			return fmt.Errorf("failed to update field %s: %w", loc, err)
		}
	}

	rk.OnCommit(tx.Commit)
	rk.OnAbort(func() { _ = tx.Rollback() })
	handedOff = true
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
