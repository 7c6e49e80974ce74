package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrNoKey is returned when EXCHANGE_CREDENTIALS_KEY is unset. The
	// caller treats it as a precondition failure: skip the bot with a
	// warning instead of failing hard.
	ErrNoKey = errors.New("exchange credentials key not configured")

	errCipherTooShort = errors.New("ciphertext too short")
	errDecryptFailed  = errors.New("failed to decrypt value")
)

func loadKey() (*[32]byte, error) {
	config := GetConfig()
	if config.ExchangeCRKey == "" {
		return nil, ErrNoKey
	}

	raw, err := base64.StdEncoding.DecodeString(config.ExchangeCRKey)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credentials key must be 32 bytes, got %d", len(raw))
	}

	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// EncryptString seals a secret under the configured key, returning a
// base64 ciphertext with the nonce prepended.
func EncryptString(plain string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func DecryptString(encrypted string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}
	if len(raw) < 24 {
		return "", errCipherTooShort
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plain, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return "", errDecryptFailed
	}

	return string(plain), nil
}
