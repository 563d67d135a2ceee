package cipher

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

func TestRoundTrip(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	for _, plaintext := range []string{"", "a", "ya29.access-secret", "1//refresh-secret-with-longer-payload"} {
		ct, encErr := c.Encrypt(plaintext)
		require.NoError(t, encErr)
		assert.NotEqual(t, plaintext, ct)

		got, decErr := c.Decrypt(ct)
		require.NoError(t, decErr)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	a, err := c.Encrypt("secret")
	require.NoError(t, err)
	b, err := c.Encrypt("secret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestDecryptCorruptInput(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	ct, err := c.Encrypt("secret")
	require.NoError(t, err)

	// Flip a byte in the sealed payload.
	raw, err := base64.RawURLEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	cases := map[string]string{
		"tampered payload": tampered,
		"invalid base64":   "not!!base64",
		"too short":        base64.RawURLEncoding.EncodeToString([]byte("short")),
		"empty":            "",
	}

	for name, input := range cases {
		_, decErr := c.Decrypt(input)
		assert.ErrorIs(t, decErr, ErrCorruptCiphertext, name)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	c1, err := New(testKey(t))
	require.NoError(t, err)
	c2, err := New(testKey(t))
	require.NoError(t, err)

	ct, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, decErr := c2.Decrypt(ct)
	assert.ErrorIs(t, decErr, ErrCorruptCiphertext)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
}

func TestFromPassphrase(t *testing.T) {
	c1, err := FromPassphrase("hunter2", "stable-salt")
	require.NoError(t, err)

	ct, err := c1.Encrypt("secret")
	require.NoError(t, err)

	// Same passphrase + salt decrypts.
	c2, err := FromPassphrase("hunter2", "stable-salt")
	require.NoError(t, err)

	got, err := c2.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	// Different salt does not.
	c3, err := FromPassphrase("hunter2", "other-salt")
	require.NoError(t, err)

	_, err = c3.Decrypt(ct)
	assert.True(t, errors.Is(err, ErrCorruptCiphertext))
}

func TestFromPassphraseRejectsEmptyInputs(t *testing.T) {
	_, err := FromPassphrase("", "salt")
	assert.Error(t, err)

	_, err = FromPassphrase("pass", "")
	assert.Error(t, err)
}
