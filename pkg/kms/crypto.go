// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const tokenPrefix = "enc:"

// EncryptToken encrypts plaintext with AES-256-GCM into a self-contained
// token: "enc:" + base64(nonce || ciphertext). The token authenticates
// itself, so tampering is detected at decryption time.
func EncryptToken(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: create cipher: %v", ErrCryptoUnavailable, err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: create gcm: %v", ErrCryptoUnavailable, err)
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nonce, nonce, plaintext, nil)
	return tokenPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptToken reverses EncryptToken. Unlike config-secret handling
// there is no legacy plaintext passthrough here: key material is always
// encrypted at rest, so anything without the token prefix is an error.
func DecryptToken(key []byte, token string) ([]byte, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, fmt.Errorf("%w: not an encrypted token", ErrDecryptFailed)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrDecryptFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCryptoUnavailable, err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create gcm: %v", ErrCryptoUnavailable, err)
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce, encrypted := data[:nonceSize], data[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return plaintext, nil
}

// IsToken reports whether s carries the encrypted token prefix.
func IsToken(s string) bool {
	return strings.HasPrefix(s, tokenPrefix)
}
