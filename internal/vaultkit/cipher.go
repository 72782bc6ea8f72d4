package vaultkit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const cipherKeyByteLength = 32

// TokenCipher encrypts and decrypts token strings with AES-256-GCM before they
// touch durable storage. Plaintext tokens only ever exist transiently in memory.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher constructs a TokenCipher from a 64-character hex key. The key is
// validated here, once, at startup; nothing re-reads it later.
func NewTokenCipher(hexKey string) (*TokenCipher, error) {
	trimmed := strings.TrimSpace(hexKey)
	if trimmed == "" {
		return nil, fmt.Errorf("cipher.new: %w", ErrCipherKeyInvalid)
	}
	keyBytes, decodeErr := hex.DecodeString(trimmed)
	if decodeErr != nil {
		return nil, fmt.Errorf("cipher.new: %w", ErrCipherKeyInvalid)
	}
	if len(keyBytes) != cipherKeyByteLength {
		return nil, fmt.Errorf("cipher.new: %w", ErrCipherKeyInvalid)
	}
	block, blockErr := aes.NewCipher(keyBytes)
	if blockErr != nil {
		return nil, fmt.Errorf("cipher.new: %w", blockErr)
	}
	aead, aeadErr := cipher.NewGCM(block)
	if aeadErr != nil {
		return nil, fmt.Errorf("cipher.new: %w", aeadErr)
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals plaintext into a self-describing record "nonce:tag:ciphertext",
// each part hex encoded. A fresh random nonce is generated per call.
func (tokenCipher *TokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, tokenCipher.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher.encrypt: %w", err)
	}
	sealed := tokenCipher.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagOffset := len(sealed) - tokenCipher.aead.Overhead()
	ciphertext := sealed[:tagOffset]
	tag := sealed[tagOffset:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a record produced by Encrypt. It fails with ErrCiphertextMalformed
// when the record does not parse and ErrDecryptFailed when authentication fails,
// which is what a key rotation without re-encryption looks like.
func (tokenCipher *TokenCipher) Decrypt(record string) (string, error) {
	parts := strings.Split(record, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("cipher.decrypt: %w", ErrCiphertextMalformed)
	}
	nonce, nonceErr := hex.DecodeString(parts[0])
	tag, tagErr := hex.DecodeString(parts[1])
	ciphertext, ciphertextErr := hex.DecodeString(parts[2])
	if nonceErr != nil || tagErr != nil || ciphertextErr != nil {
		return "", fmt.Errorf("cipher.decrypt: %w", ErrCiphertextMalformed)
	}
	if len(nonce) != tokenCipher.aead.NonceSize() || len(tag) != tokenCipher.aead.Overhead() {
		return "", fmt.Errorf("cipher.decrypt: %w", ErrCiphertextMalformed)
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, openErr := tokenCipher.aead.Open(nil, nonce, sealed, nil)
	if openErr != nil {
		return "", fmt.Errorf("cipher.decrypt: %w", ErrDecryptFailed)
	}
	return string(plaintext), nil
}
