package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := NewCipher("unit-test-master-key")
	require.NoError(t, err)

	ct, err := c.Encrypt("kite_api_key_123")
	require.NoError(t, err)
	assert.NotEqual(t, "kite_api_key_123", ct)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "kite_api_key_123", pt)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, err := NewCipher("unit-test-master-key")
	require.NoError(t, err)
	a, err := c.Encrypt("secret")
	require.NoError(t, err)
	b, err := c.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptFailures(t *testing.T) {
	c, err := NewCipher("unit-test-master-key")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64 !!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = c.Decrypt("c2hvcnQ=") // too short for version+nonce
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	ct, err := c.Encrypt("secret")
	require.NoError(t, err)
	other, err := NewCipher("a-different-key")
	require.NoError(t, err)
	_, err = other.Decrypt(ct)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEmptyMasterKeyRejected(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}
