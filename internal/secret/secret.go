// Package secret encrypts and decrypts configuration values stored at rest,
// such as the Brevo API key.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix marks an encrypted value.
const Prefix = "enc:v1:"

// Argon2id parameters for deriving the cipher key from the master key.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	keySalt       = "brevo-relay-secret-v1"
)

// ErrNoMasterKey is returned when an encrypted value is used but no master
// key was configured.
var ErrNoMasterKey = errors.New("secret: master key not configured")

// Crypter encrypts and decrypts stored values with a key derived from the
// master key.
type Crypter struct {
	aead cipher.AEAD
}

// New creates a Crypter. An empty master key yields a Crypter that only
// passes plaintext values through.
func New(masterKey string) (*Crypter, error) {
	if masterKey == "" {
		return &Crypter{}, nil
	}

	key := argon2.IDKey([]byte(masterKey), []byte(keySalt), argon2Time, argon2Memory, argon2Threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Crypter{aead: aead}, nil
}

// IsEncrypted reports whether v carries the encrypted-value prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

// Encrypt seals plaintext into the stored form.
func (c *Crypter) Encrypt(plaintext string) (string, error) {
	if c.aead == nil {
		return "", ErrNoMasterKey
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt returns the plaintext of a stored value. Values without the
// encrypted prefix are returned unchanged.
func (c *Crypter) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	if c.aead == nil {
		return "", ErrNoMasterKey
	}

	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("secret: invalid encoding: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", errors.New("secret: value too short")
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret: decryption failed: %w", err)
	}
	return string(plaintext), nil
}
