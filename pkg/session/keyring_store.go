package session

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "igclient"

// KeyringStore persists session blobs in the operating system keychain.
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a keychain-backed session store. It probes the
// keyring once so callers can fall back to another store when no keychain
// is available (headless systems, containers).
func NewKeyringStore() (*KeyringStore, error) {
	store := &KeyringStore{service: keyringService}

	testKey := "igclient_availability_probe"
	if err := keyring.Set(store.service, testKey, "probe"); err != nil {
		return nil, fmt.Errorf("system keyring not available: %w", err)
	}
	_ = keyring.Delete(store.service, testKey)

	return store, nil
}

func (k *KeyringStore) Load(accountID string) ([]byte, error) {
	encoded, err := keyring.Get(k.service, accountID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session from keyring: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("corrupted keyring entry: %w", err)
	}
	return data, nil
}

func (k *KeyringStore) Save(accountID string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	if err := keyring.Set(k.service, accountID, encoded); err != nil {
		return fmt.Errorf("failed to save session to keyring: %w", err)
	}
	return nil
}

func (k *KeyringStore) Delete(accountID string) error {
	if err := keyring.Delete(k.service, accountID); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete session from keyring: %w", err)
	}
	return nil
}
