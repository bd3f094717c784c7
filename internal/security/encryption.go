package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
	saltLen      = 16
)

var errEntryCorrupt = errors.New("vault entry is corrupt or was sealed under another name")

// MasterKey derives the vault key for password with Argon2id. The salt lives
// in dir and is created on first use, so the same password always unlocks
// the same vault.
func MasterKey(dir, password string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	salt, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, salt, 0600); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case len(salt) != saltLen:
		return nil, fmt.Errorf("vault salt %s: want %d bytes, got %d", path, saltLen, len(salt))
	}
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// sealEntry encrypts one vault value with AES-256-GCM. The entry name is
// bound as additional data: a sealed value only opens under its own name.
// The result is base64(nonce || ciphertext).
func sealEntry(key []byte, name, value string) (string, error) {
	gcm, err := vaultAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), []byte(name))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// openEntry reverses sealEntry for the same key and name.
func openEntry(key []byte, name, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%s: decode: %w", name, err)
	}
	gcm, err := vaultAEAD(key)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize()+gcm.Overhead() {
		return "", fmt.Errorf("%s: %w", name, errEntryCorrupt)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, errEntryCorrupt)
	}
	return string(plaintext), nil
}

func vaultAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
