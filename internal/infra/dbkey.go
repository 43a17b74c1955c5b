package infra

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	dbKeyFile = "db.key"
	dbKeySize = 32
)

// DBKey holds the settings database passphrase in a root-only file.
type DBKey struct {
	path string
}

// NewDBKey returns the key file handle under dir.
func NewDBKey(dir string) *DBKey {
	return &DBKey{path: filepath.Join(dir, dbKeyFile)}
}

// Path returns the key file location.
func (k *DBKey) Path() string {
	return k.path
}

// Load reads and validates the stored key.
func (k *DBKey) Load() ([]byte, error) {
	encoded, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != dbKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), dbKeySize)
	}
	return key, nil
}

// LoadOrCreate returns the stored key, generating one on first boot.
func (k *DBKey) LoadOrCreate() ([]byte, error) {
	key, err := k.Load()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, dbKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(k.path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
