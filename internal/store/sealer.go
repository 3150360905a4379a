package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sealKeyInfo = "portfolio-session-server snapshot v1"

var ErrUnseal = errors.New("sealed secret could not be opened")

// Sealer encrypts credential secrets for the snapshot. The key is derived
// from an operator secret with HKDF-SHA256; the session id is bound in as
// additional data so a sealed value cannot be moved to another record.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("snapshot key is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(sealKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive snapshot key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(sessionID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(sessionID)), nil
}

func (s *Sealer) Open(sessionID string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrUnseal
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(sessionID))
	if err != nil {
		return nil, ErrUnseal
	}
	return plaintext, nil
}
