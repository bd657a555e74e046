package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// ErrNotFound is returned by stores when no session exists for an account.
var ErrNotFound = errors.New("session not found")

// Store persists session blobs keyed by account identifier. Implementations
// treat the blob as opaque bytes.
type Store interface {
	// Load returns the persisted blob for the account, or ErrNotFound.
	Load(accountID string) ([]byte, error)

	// Save persists the blob for the account, replacing any previous one.
	Save(accountID string, data []byte) error

	// Delete removes the persisted blob for the account.
	Delete(accountID string) error
}

// MemoryStore is an in-memory Store, mainly for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Load(accountID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) Save(accountID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[accountID] = stored
	return nil
}

func (m *MemoryStore) Delete(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[accountID]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, accountID)
	return nil
}

// Manager chains stores with fallback: saves go to the first store that
// accepts them, loads return from the first store that has the account.
type Manager struct {
	stores []Store
}

// NewManager creates a manager over the given stores, tried in order.
func NewManager(stores ...Store) *Manager {
	return &Manager{stores: stores}
}

func (m *Manager) Load(accountID string) ([]byte, error) {
	for _, store := range m.stores {
		if data, err := store.Load(accountID); err == nil {
			return data, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Manager) Save(accountID string, data []byte) error {
	var lastErr error
	for _, store := range m.stores {
		if err := store.Save(accountID, data); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("failed to save session: %w", lastErr)
	}
	return errors.New("no available session stores")
}

func (m *Manager) Delete(accountID string) error {
	deleted := false
	for _, store := range m.stores {
		if err := store.Delete(accountID); err == nil {
			deleted = true
		}
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// DefaultConfigDir returns the platform configuration directory for igclient.
func DefaultConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "igclient")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "igclient")
	default: // Linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "igclient")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "igclient")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}
