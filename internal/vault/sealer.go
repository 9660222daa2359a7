package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealed is returned when a sealed secret cannot be opened with the configured key
var ErrSealed = errors.New("vault secret cannot be opened")

// Sealer encrypts vault secrets at rest with XChaCha20-Poly1305. The asset id is bound
// as additional data so a sealed value cannot be moved to another asset.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer from a 32-byte key
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// NewSealerFromHex decodes a hex key
func NewSealerFromHex(s string) (*Sealer, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("vault key is not hex: %w", err)
	}
	return NewSealer(key)
}

// RandomKey returns a fresh key; secrets sealed with it are lost when it is
func RandomKey() []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return key
}

// Seal returns nonce || ciphertext
func (s *Sealer) Seal(plaintext []byte, assetID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(assetID)), nil
}

// Open reverses Seal
func (s *Sealer) Open(sealed []byte, assetID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealed
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ct, []byte(assetID))
	if err != nil {
		return nil, ErrSealed
	}
	return out, nil
}
