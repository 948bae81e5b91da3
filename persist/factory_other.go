//go:build !darwin

package persist

import "fmt"

func newKeychainFromConfig(config StoreConfig) (Store, error) {
	return nil, fmt.Errorf("keychain storage is only available on darwin")
}
