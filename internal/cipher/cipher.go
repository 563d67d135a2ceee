// Package cipher encrypts and decrypts credential strings at rest.
// Grants store their OAuth secrets only in encrypted form; plaintext
// exists transiently in memory while a request is being signed.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrCorruptCiphertext is returned when a stored secret cannot be
// decrypted. Callers must treat this as terminal for the owning grant —
// it is never a "refresh and retry" condition.
var ErrCorruptCiphertext = errors.New("cipher: corrupt ciphertext")

// KeySize is the required key length (AES-256).
const KeySize = 32

// nonceSize is the GCM nonce length prepended to every ciphertext.
const nonceSize = 12

// Argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Cipher encrypts and decrypts opaque secret strings.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESCipher is an AES-256-GCM Cipher. Ciphertexts are encoded as
// base64url(nonce || sealed) with a fresh random nonce per encryption.
type AESCipher struct {
	aead stdcipher.AEAD
}

// New creates an AESCipher from a 32-byte key.
func New(key []byte) (*AESCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cipher: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: creating AES block: %w", err)
	}

	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: creating GCM: %w", err)
	}

	return &AESCipher{aead: aead}, nil
}

// FromPassphrase derives a key from a passphrase and salt using argon2id
// and returns a ready AESCipher. The salt must be stable across restarts
// or previously stored secrets become undecryptable.
func FromPassphrase(passphrase, salt string) (*AESCipher, error) {
	if passphrase == "" {
		return nil, errors.New("cipher: empty passphrase")
	}

	if salt == "" {
		return nil, errors.New("cipher: empty salt")
	}

	key := argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeySize)

	return New(key)
}

// Encrypt seals the plaintext with a random nonce.
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher: generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any malformed or
// tampered input yields ErrCorruptCiphertext.
func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}

	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", ErrCorruptCiphertext)
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}

	return string(plaintext), nil
}
