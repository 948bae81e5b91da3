package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	credentialsFile = "credentials.json"
)

// FileSystemStore implements Store on the local filesystem. The credentials
// live in a single JSON file under the base directory; writes go through a
// temp file plus fsync plus rename so a crash mid-write leaves either the
// old record or the new one, never a partial file.
type FileSystemStore struct {
	basePath  string
	credsPath string
	tempDir   string
}

// NewFileSystemStore initializes a FileSystemStore rooted at basePath,
// creating the directory tree with restrictive permissions if needed.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	fs := &FileSystemStore{
		basePath:  basePath,
		credsPath: filepath.Join(basePath, credentialsFile),
		tempDir:   filepath.Join(basePath, "temp"),
	}

	for _, dir := range []string{fs.basePath, fs.tempDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return fs, nil
}

func (fs *FileSystemStore) LoadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(fs.credsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	if err = creds.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt credentials record: %w", err)
	}

	return &creds, nil
}

func (fs *FileSystemStore) SaveCredentials(creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	return fs.writeAtomic(fs.credsPath, data)
}

func (fs *FileSystemStore) CredentialsExist() (bool, error) {
	_, err := os.Stat(fs.credsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat credentials: %w", err)
	}
	return true, nil
}

func (fs *FileSystemStore) Ping() error {
	// Local filesystem: verify the base path is still a writable directory.
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("store path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path %s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

// writeAtomic writes data through a temp file in the same filesystem,
// syncing before the rename so the destination is durable on return.
func (fs *FileSystemStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(fs.tempDir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// On any failure, remove the temp file so no partial write survives.
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err = tmp.Chmod(FilePermissions); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	// Sync the directory so the rename itself is durable.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return nil
}
