// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	plaintext := []byte("raw key material bytes")

	token, err := EncryptToken(key, plaintext)
	require.NoError(t, err)
	assert.True(t, IsToken(token))

	decrypted, err := DecryptToken(key, token)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestTokenNonceUnique(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	a, err := EncryptToken(key, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := EncryptToken(key, []byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptToken_WrongKey(t *testing.T) {
	t.Parallel()

	token, err := EncryptToken(testKey(t), []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptToken(testKey(t), token)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptToken_Invalid(t *testing.T) {
	t.Parallel()

	key := testKey(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing prefix", token: "bm90LWEtdG9rZW4="},
		{name: "plaintext passthrough rejected", token: "raw key bytes"},
		{name: "bad base64", token: "enc:!!!not-base64!!!"},
		{name: "too short for nonce", token: "enc:AAAA"},
		{name: "empty", token: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecryptToken(key, tt.token)
			assert.ErrorIs(t, err, ErrDecryptFailed)
		})
	}
}

func TestDecryptToken_TamperedCiphertext(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	token, err := EncryptToken(key, []byte("secret"))
	require.NoError(t, err)

	// Flip one character of the encoded payload.
	raw := []byte(token)
	last := len(raw) - 1
	if raw[last] == 'A' {
		raw[last] = 'B'
	} else {
		raw[last] = 'A'
	}

	_, err = DecryptToken(key, string(raw))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestIsToken(t *testing.T) {
	t.Parallel()

	assert.True(t, IsToken("enc:abc"))
	assert.False(t, IsToken("abc"))
	assert.False(t, IsToken(""))
	assert.False(t, IsToken(strings.ToUpper("enc:")+"abc"))
}
