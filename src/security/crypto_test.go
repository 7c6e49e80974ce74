package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func setTestKey(t *testing.T) {
	t.Helper()

	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	t.Setenv("EXCHANGE_CREDENTIALS_KEY", base64.StdEncoding.EncodeToString(raw))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setTestKey(t)

	secret := "api-secret-value"
	encrypted, err := EncryptString(secret)
	require.NoError(t, err)
	require.NotEqual(t, secret, encrypted)

	decrypted, err := DecryptString(encrypted)
	require.NoError(t, err)
	require.Equal(t, secret, decrypted)
}

func TestEncryptProducesFreshCiphertext(t *testing.T) {
	setTestKey(t)

	a, err := EncryptString("same input")
	require.NoError(t, err)
	b, err := EncryptString("same input")
	require.NoError(t, err)

	// Random nonces: identical plaintexts never share ciphertext.
	require.NotEqual(t, a, b)
}

func TestMissingKeyReturnsErrNoKey(t *testing.T) {
	t.Setenv("EXCHANGE_CREDENTIALS_KEY", "")

	_, err := EncryptString("value")
	require.True(t, errors.Is(err, ErrNoKey))

	_, err = DecryptString("whatever")
	require.True(t, errors.Is(err, ErrNoKey))
}

func TestInvalidKeyLength(t *testing.T) {
	t.Setenv("EXCHANGE_CREDENTIALS_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := EncryptString("value")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoKey))
}

func TestDecryptRejectsGarbage(t *testing.T) {
	setTestKey(t)

	_, err := DecryptString("not base64!!!")
	require.Error(t, err)

	_, err = DecryptString(base64.StdEncoding.EncodeToString([]byte("tooshort")))
	require.Error(t, err)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	setTestKey(t)
	encrypted, err := EncryptString("secret")
	require.NoError(t, err)

	setTestKey(t)
	_, err = DecryptString(encrypted)
	require.Error(t, err)
}
