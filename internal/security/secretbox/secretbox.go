// Package secretbox encrypts small secrets (certificate passphrases) at rest
// using AES-256-GCM. Values are stored as base64(nonce)|base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EnvMasterKey holds the base64-encoded 32-byte master key.
	EnvMasterKey = "SRI_MASTER_KEY"

	nonceSize = 12 // AES-GCM recommended nonce size (96 bits)
	keySize   = 32 // AES-256
	sep       = "|"
)

var (
	ErrNoMasterKey       = errors.New("secretbox: master key not set")
	ErrMalformedValue    = errors.New("secretbox: malformed encrypted value")
	ErrDecryptionFailure = errors.New("secretbox: decryption failed")
)

// Box encrypts and decrypts values under one master key. Construct one
// explicitly and inject it; callers that need multiple isolated keys (tests)
// just build multiple boxes.
type Box struct {
	key []byte
}

// New creates a Box from a raw 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secretbox: key must be %d bytes, got %d", keySize, len(key))
	}
	k := make([]byte, keySize)
	copy(k, key)
	return &Box{key: k}, nil
}

// NewFromEnv creates a Box from the base64 key in SRI_MASTER_KEY.
func NewFromEnv() (*Box, error) {
	b64 := strings.TrimSpace(os.Getenv(EnvMasterKey))
	if b64 == "" {
		return nil, ErrNoMasterKey
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("secretbox: decode %s: %w", EnvMasterKey, err)
	}
	return New(key)
}

// Encrypt seals plainText and returns base64(nonce)|base64(ciphertext).
func (b *Box) Encrypt(plainText string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}

	ct := aesgcm.Seal(nil, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	parts := strings.SplitN(encoded, sep, 2)
	if len(parts) != 2 {
		return "", ErrMalformedValue
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", ErrMalformedValue
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedValue
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}

	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	return string(pt), nil
}
