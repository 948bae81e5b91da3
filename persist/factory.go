package persist

import (
	"fmt"
)

// StoreType identifies a storage backend.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "file"
	StoreTypeS3         StoreType = "s3"
	StoreTypeKeychain   StoreType = "keychain"
)

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Type StoreType              `json:"type"`
	S3   *S3Config              `json:"s3,omitempty"`
	Opts map[string]interface{} `json:"opts,omitempty"`
}

// NewStore factory function to create storage backends.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Opts["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		if config.S3 == nil {
			return nil, fmt.Errorf("s3 storage requires s3 config")
		}
		return NewS3Store(*config.S3)

	case StoreTypeKeychain:
		return newKeychainFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
