package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// keyLabel domain-separates the passphrase-derived key from any other
// SHA-256 use of the same passphrase
const keyLabel = "foreman/provider-secrets/v1:"

// SecretsManager seals and opens provider secrets with AES-256-GCM.
// The AEAD is built once at construction; ciphertexts carry their
// nonce as a prefix.
type SecretsManager struct {
	aead cipher.AEAD
}

// NewSecretsManager creates a secrets manager from a raw 32-byte key
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets gcm init: %w", err)
	}

	return &SecretsManager{aead: aead}, nil
}

// NewSecretsManagerFromPassword derives the key from an operator
// passphrase under a fixed domain-separation label
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("secrets passphrase is required")
	}

	digest := sha256.Sum256([]byte(keyLabel + password))
	return NewSecretsManager(digest[:])
}

// Encrypt seals plaintext and prepends the random nonce
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("refusing to encrypt an empty secret")
	}

	nonce := make([]byte, sm.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets nonce: %w", err)
	}

	return sm.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt
func (sm *SecretsManager) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := sm.aead.NonceSize()
	if len(ciphertext) <= nonceSize {
		return nil, fmt.Errorf("secret ciphertext truncated: %d bytes", len(ciphertext))
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := sm.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secret does not open with this key: %w", err)
	}

	return plaintext, nil
}
