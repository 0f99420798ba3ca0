// Package crypto seals OAuth tokens at rest with AES-256-GCM. Sealed values
// carry a version prefix so plaintext written before a key was configured can
// still be read and re-sealed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix marks a sealed string value.
const Prefix = "enc:v1:"

// ErrNoKey is returned when sealed data is read without a key.
var ErrNoKey = errors.New("sealed value found but no encryption key configured")

// Encryptor provides authenticated encryption.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM. Output layout is
// nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		// Don't expose internal error details
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// IsSealed reports whether s was produced by Seal.
func IsSealed(s string) bool { return strings.HasPrefix(s, Prefix) }

// Seal encrypts s and returns Prefix + base64 ciphertext. With a nil
// encryptor or an empty value s is returned unchanged.
func Seal(enc Encryptor, s string) (string, error) {
	if enc == nil || s == "" {
		return s, nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return Prefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Open reverses Seal. Unsealed input is returned as is; sealed input without
// an encryptor yields ErrNoKey.
func Open(enc Encryptor, s string) (string, error) {
	if !IsSealed(s) {
		return s, nil
	}
	if enc == nil {
		return "", ErrNoKey
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, Prefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
