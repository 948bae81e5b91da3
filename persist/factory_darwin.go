//go:build darwin

package persist

import "fmt"

func newKeychainFromConfig(config StoreConfig) (Store, error) {
	service, _ := config.Opts["service"].(string)
	account, _ := config.Opts["account"].(string)
	if service == "" || account == "" {
		return nil, fmt.Errorf("keychain storage requires 'service' and 'account' in config")
	}
	return NewKeychainStore(service, account)
}
