// Package aead provides authenticated encryption of credential blobs at rest.
//
// It follows the same construction the teacher repo uses for its user-file
// encryption (AES-256-GCM via crypto/aes + crypto/cipher, nonce prepended to
// ciphertext) but generalizes it to accept associated data, since vault
// entries are bound to their (agent_id, service_id) key.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const keyLen = 32

// ErrConfig is returned when the master key is absent or malformed.
var ErrConfig = errors.New("aead: invalid master key configuration")

// ErrAuth is returned by Open on any failure to authenticate a blob. The
// specific cause (truncated blob, wrong AAD, forged tag) is never surfaced,
// so callers cannot use error text as an oracle.
var ErrAuth = errors.New("aead: authentication failed")

// Box seals and opens credential blobs under a single 32-byte master key.
type Box struct {
	gcm cipher.AEAD
}

// New builds a Box from a raw 32-byte key. Use ParseMasterKey to decode a
// hex- or base64-encoded key from configuration first.
func New(masterKey []byte) (*Box, error) {
	if len(masterKey) != keyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrConfig, keyLen, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext under aad, returning nonce‖ciphertext‖tag. A fresh
// CSPRNG nonce is drawn on every call; nonces are never derived from
// plaintext or time.
func (b *Box) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("aead: draw nonce: %w", err)
	}
	ct := b.gcm.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Open verifies and decrypts a blob produced by Seal under the same aad.
func (b *Box) Open(blob, aad []byte) ([]byte, error) {
	ns := b.gcm.NonceSize()
	if len(blob) < ns {
		return nil, ErrAuth
	}
	nonce, ct := blob[:ns], blob[ns:]
	plaintext, err := b.gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

// ParseMasterKey decodes a master key supplied as either hex (64 chars) or
// standard/URL-safe base64, matching the ENCRYPTION_KEY configuration
// contract in spec §6.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrConfig)
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == keyLen {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == keyLen {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: must decode to %d bytes as hex or base64", ErrConfig, keyLen)
}
