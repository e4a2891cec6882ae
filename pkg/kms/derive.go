// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	namespace   = "warden:kms"
	masterLabel = "master"
	keySize     = 32
)

// deriveKey expands secret into length bytes of key material with
// HKDF-SHA256. The info string binds the output to one purpose; two
// different infos never share material.
func deriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand: %v", ErrCryptoUnavailable, err)
	}
	return out, nil
}

// keyID is the deterministic identifier for one key version. IDs are
// not secret and not a security boundary.
func keyID(typ KeyType, label string, version int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s:v%d", namespace, typ, label, version))
	return hex.EncodeToString(sum[:])[:16]
}

// keyFingerprint hashes raw key material so rotations are detectable
// without ever exposing the key itself.
func keyFingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Derivation info strings. Version 1 of a key omits the version suffix;
// rotated versions carry it, so every version yields distinct material.
func infoMaster() []byte {
	return []byte(namespace + ":" + masterLabel)
}

func infoService(name string) []byte {
	return []byte(namespace + ":service:" + name)
}

func infoSubkey(label string) []byte {
	return []byte(namespace + ":subkey:" + label)
}

func infoVersioned(typ KeyType, label string, version int) []byte {
	return fmt.Appendf(nil, "%s:%s:%s:v%d", namespace, typ, label, version)
}

// infoMasterVersioned extends the unversioned master info rather than
// the generic type:label form, so the type and label do not repeat.
func infoMasterVersioned(version int) []byte {
	return fmt.Appendf(nil, "%s:%s:v%d", namespace, masterLabel, version)
}

// infoStorage keys the at-rest encryption of stored key material. The
// storage key itself is never persisted; it is re-derived on demand
// from identity material.
func infoStorage() []byte {
	return []byte(namespace + ":storage-encryption")
}
