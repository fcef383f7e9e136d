// ABOUTME: XChaCha20-Poly1305 sealing for credential blobs at rest
// ABOUTME: Key derived from the master secret via HKDF-SHA256, agent id bound as AAD

package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLen is the minimum accepted master secret length.
const MinMasterKeyLen = 16

const sealInfo = "rookery keystore seal v1"

type sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func newSealer(masterKey []byte) (*sealer, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", MinMasterKeyLen, len(masterKey))
	}

	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal encrypts plaintext for agentID. Output layout: nonce || ciphertext.
func (s *sealer) seal(agentID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(agentID)), nil
}

// open decrypts a sealed blob. Fails if the blob was sealed for a
// different agent or tampered with.
func (s *sealer) open(agentID string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(agentID))
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", err)
	}
	return plaintext, nil
}
