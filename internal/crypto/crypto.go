// Package crypto seals provider key secrets before they are written to shared storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEmptyKey          = errors.New("encryption key must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Sealer encrypts secrets with AES-256-GCM. The owner id is bound as
// additional data, so a sealed secret cannot be replayed under another key id.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(ownerID, secret string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(secret), []byte(ownerID))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(ownerID, sealed string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], []byte(ownerID))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// HashAPIKey is the lookup form of a tenant bearer key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
