// Package keycrypt seals deposit-address signing keys for storage.
//
// Keys are never persisted in plaintext. Seal produces a self-contained
// base64 envelope (salt || nonce || AES-256-GCM ciphertext+tag) with the
// AES key derived per-envelope via PBKDF2-SHA256. Open reverses it; the
// plaintext should live only for the duration of a signing call.
package keycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 32
	iterations = 100_000
	keyLength  = 32
)

// ErrMalformedEnvelope is returned when ciphertext does not parse.
var ErrMalformedEnvelope = errors.New("keycrypt: malformed envelope")

// Sealer encrypts and decrypts key envelopes with a fixed passphrase.
type Sealer struct {
	passphrase []byte
}

// New creates a Sealer. The passphrase must be non-empty.
func New(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("keycrypt: passphrase is required")
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

// Seal encrypts plaintext into a base64 envelope.
func (s *Sealer) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("keycrypt: salt: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keycrypt: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	envelope := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Open decrypts an envelope produced by Seal. A decryption failure never
// modifies the stored ciphertext; callers must treat it as fatal for the
// single operation needing the key.
func (s *Sealer) Open(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	if len(raw) < saltLength {
		return "", ErrMalformedEnvelope
	}

	salt := raw[:saltLength]
	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	rest := raw[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrMalformedEnvelope
	}
	nonce := rest[:gcm.NonceSize()]
	sealed := rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("keycrypt: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.passphrase, salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keycrypt: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SecureCompare reports whether a and b are equal in constant time.
func SecureCompare(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
