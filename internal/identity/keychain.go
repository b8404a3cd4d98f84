package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainService is the keychain service identifier
	KeychainService = "mupeer"
	// KeychainAccount is the keychain account identifier
	KeychainAccount = "peer-identity"
)

// KeychainStore keeps the identity in the system keychain.
// On macOS, this uses the Keychain.
// On Linux, this uses the Secret Service API (GNOME Keyring, KWallet, etc).
// On Windows, this uses Credential Manager.
type KeychainStore struct {
	Service string
	Account string
}

// NewKeychainStore creates a store using the default service and account
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{Service: KeychainService, Account: KeychainAccount}
}

// Load retrieves the identity. Returns ErrNotFound if nothing is stored.
func (s *KeychainStore) Load() (*PeerIdentity, error) {
	raw, err := keyring.Get(s.Service, s.Account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keychain get: %w", err)
	}

	var id PeerIdentity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &id, nil
}

// Save stores the identity in the keychain
func (s *KeychainStore) Save(id *PeerIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := keyring.Set(s.Service, s.Account, string(data)); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

// Delete removes the identity from the keychain
func (s *KeychainStore) Delete() error {
	err := keyring.Delete(s.Service, s.Account)
	if err != nil && errors.Is(err, keyring.ErrNotFound) {
		return nil // Already deleted, not an error
	}
	return err
}

// KeychainAvailable checks if the system keychain is available.
// This can fail on headless Linux systems without a secret service.
func KeychainAvailable() bool {
	_, err := keyring.Get(KeychainService, "test-availability")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
