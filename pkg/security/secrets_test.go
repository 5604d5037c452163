package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("cluster-passphrase")
	require.NoError(t, err)

	plaintext := []byte("ghp_example_token_value")
	ciphertext, err := sm.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := sm.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesUniqueCiphertext(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("cluster-passphrase")
	require.NoError(t, err)

	a, err := sm.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := sm.Encrypt([]byte("same"))
	require.NoError(t, err)

	// Random nonces keep equal plaintexts distinguishable
	assert.NotEqual(t, a, b)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, err := NewSecretsManagerFromPassword("passphrase-one")
	require.NoError(t, err)
	b, err := NewSecretsManagerFromPassword("passphrase-two")
	require.NoError(t, err)

	ciphertext, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("cluster-passphrase")
	require.NoError(t, err)

	_, err = sm.Decrypt([]byte("short"))
	assert.Error(t, err)

	_, err = sm.Decrypt(nil)
	assert.Error(t, err)
}

func TestKeyValidation(t *testing.T) {
	_, err := NewSecretsManager([]byte("too short"))
	assert.Error(t, err)

	_, err = NewSecretsManagerFromPassword("")
	assert.Error(t, err)

	_, err = NewSecretsManager(make([]byte, 32))
	assert.NoError(t, err)
}

func TestEncryptEmptyRejected(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("cluster-passphrase")
	require.NoError(t, err)

	_, err = sm.Encrypt(nil)
	assert.Error(t, err)
}
