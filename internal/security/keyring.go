package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "promptrelay"
	vaultFile      = "vault.enc"
	saltFile       = "vault.salt"
)

// ErrSecretNotFound is returned when neither the keyring nor the vault hold a name.
var ErrSecretNotFound = errors.New("secret not found")

// KeyStore manages secure storage of provider credentials.
// Primary: OS keyring. Fallback: AES-GCM vault file keyed by a master password.
type KeyStore struct {
	mu            sync.Mutex
	encryptionKey []byte // derived from master password, nil when keyring-only
	vaultPath     string
}

// NewKeyStore creates a key store whose vault lives in dir.
// masterKey may be nil, in which case only the OS keyring is used.
func NewKeyStore(dir string, masterKey []byte) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &KeyStore{
		encryptionKey: masterKey,
		vaultPath:     filepath.Join(dir, vaultFile),
	}, nil
}

// ProviderKeyName is the entry name under which a backend's credential is stored.
func ProviderKeyName(provider string) string {
	return "provider/" + provider + "/api_key"
}

// Set stores a secret (tries keyring first, falls back to encrypted file).
func (ks *KeyStore) Set(name, value string) error {
	if err := keyring.Set(keyringService, name, value); err == nil {
		return nil
	}
	return ks.setInVault(name, value)
}

// Get retrieves a secret.
func (ks *KeyStore) Get(name string) (string, error) {
	if val, err := keyring.Get(keyringService, name); err == nil {
		return val, nil
	}
	return ks.getFromVault(name)
}

// Delete removes a secret from both stores.
func (ks *KeyStore) Delete(name string) error {
	_ = keyring.Delete(keyringService, name)
	return ks.deleteFromVault(name)
}

// MaskKey returns a masked version of an API key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}

// The vault file is a JSON object of entry name to sealed value. Names stay
// readable so entries can be removed without the master key.
func (ks *KeyStore) loadVault() (map[string]string, error) {
	data, err := os.ReadFile(ks.vaultPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	vault := make(map[string]string)
	if err := json.Unmarshal(data, &vault); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	return vault, nil
}

func (ks *KeyStore) saveVault(vault map[string]string) error {
	data, err := json.MarshalIndent(vault, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ks.vaultPath, data, 0600)
}

func (ks *KeyStore) setInVault(name, value string) error {
	if ks.encryptionKey == nil {
		return fmt.Errorf("keyring unavailable and no master key set")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	vault, err := ks.loadVault()
	if err != nil {
		return err
	}
	sealed, err := sealEntry(ks.encryptionKey, name, value)
	if err != nil {
		return err
	}
	vault[name] = sealed
	return ks.saveVault(vault)
}

func (ks *KeyStore) getFromVault(name string) (string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	vault, err := ks.loadVault()
	if err != nil {
		return "", err
	}
	sealed, ok := vault[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if ks.encryptionKey == nil {
		return "", fmt.Errorf("vault %s is locked: no master key", ks.vaultPath)
	}
	return openEntry(ks.encryptionKey, name, sealed)
}

func (ks *KeyStore) deleteFromVault(name string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	vault, err := ks.loadVault()
	if err != nil {
		return err
	}
	if _, ok := vault[name]; !ok {
		return nil
	}
	delete(vault, name)
	return ks.saveVault(vault)
}
