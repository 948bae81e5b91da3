//go:build darwin

package persist

import (
	"encoding/json"
	"fmt"

	"github.com/keybase/go-keychain"
)

// KeychainStore implements Store on the macOS keychain. The salt/verifier
// record is stored as a single generic-password item, so reads and writes
// are atomic at the keychain level. Item updates are implemented as
// delete-then-add under the same service/account; the keychain serializes
// these internally.
type KeychainStore struct {
	service string
	account string
}

// NewKeychainStore creates a store keyed by service and account. Use one
// account per installation so parallel installs do not share credentials.
func NewKeychainStore(service, account string) (*KeychainStore, error) {
	if service == "" || account == "" {
		return nil, fmt.Errorf("keychain service and account are required")
	}
	return &KeychainStore{service: service, account: account}, nil
}

func (ks *KeychainStore) query() keychain.Item {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(ks.service)
	item.SetAccount(ks.account)
	return item
}

func (ks *KeychainStore) LoadCredentials() (*Credentials, error) {
	query := ks.query()
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)

	results, err := keychain.QueryItem(query)
	if err != nil {
		return nil, fmt.Errorf("keychain query failed: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}

	var creds Credentials
	if err = json.Unmarshal(results[0].Data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	if err = creds.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt credentials record: %w", err)
	}

	return &creds, nil
}

func (ks *KeychainStore) SaveCredentials(creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	item := ks.query()
	item.SetData(data)
	item.SetAccessible(keychain.AccessibleWhenUnlockedThisDeviceOnly)
	item.SetSynchronizable(keychain.SynchronizableNo)

	err = keychain.AddItem(item)
	if err == keychain.ErrorDuplicateItem {
		if err = keychain.DeleteItem(ks.query()); err != nil {
			return fmt.Errorf("failed to replace keychain item: %w", err)
		}
		err = keychain.AddItem(item)
	}
	if err != nil {
		return fmt.Errorf("failed to store keychain item: %w", err)
	}

	return nil
}

func (ks *KeychainStore) CredentialsExist() (bool, error) {
	query := ks.query()
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnAttributes(true)

	results, err := keychain.QueryItem(query)
	if err != nil {
		return false, fmt.Errorf("keychain query failed: %w", err)
	}
	return len(results) > 0, nil
}

func (ks *KeychainStore) Ping() error {
	_, err := ks.CredentialsExist()
	return err
}

func (ks *KeychainStore) Close() error {
	return nil
}
