// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity provides the keying material the KMS roots its key
// hierarchy in. The identity itself (PGP keys, signing) is owned by an
// external provider; warden only consumes the fingerprint it publishes
// to <home>/identity/identity.json.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/utils"
)

// ErrNoIdentity indicates no identity manifest exists for the home.
var ErrNoIdentity = errors.New("no identity available")

const materialPrefix = "warden:identity:"

// Identity is the manifest an identity provider writes for an agent.
type Identity struct {
	Name        string    `json:"name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	Managed     bool      `json:"managed"`
}

// Material returns the keying material the identity contributes to key
// derivation. It is a stable function of the fingerprint only, so the
// same identity always yields the same master key.
func (id *Identity) Material() []byte {
	return []byte(materialPrefix + id.Fingerprint)
}

func manifestPath(home string) string {
	return filepath.Join(home, "identity", "identity.json")
}

// Load reads the identity manifest under home. A missing manifest or one
// without a fingerprint returns ErrNoIdentity.
func Load(home string) (*Identity, error) {
	data, err := os.ReadFile(manifestPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("read identity manifest: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity manifest: %w", err)
	}
	if id.Fingerprint == "" {
		return nil, ErrNoIdentity
	}

	return &id, nil
}

// Create writes a placeholder identity manifest for homes that have no
// external identity provider. The fingerprint is a deterministic digest
// of the agent name; it is an identifier, not a cryptographic identity.
// An existing manifest is never overwritten.
func Create(home, name, email string) (*Identity, error) {
	if existing, err := Load(home); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}

	if name == "" {
		return nil, errors.New("identity name required")
	}
	if email == "" {
		email = strings.ToLower(strings.ReplaceAll(name, " ", "-")) + "@warden.local"
	}

	id := &Identity{
		Name:        name,
		Email:       email,
		Fingerprint: placeholderFingerprint(name),
		CreatedAt:   time.Now().UTC(),
		Managed:     false,
	}

	if err := Save(home, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Save persists an identity manifest, creating the identity directory.
func Save(home string, id *Identity) error {
	if id.Fingerprint == "" {
		return errors.New("identity fingerprint required")
	}

	dir := filepath.Dir(manifestPath(home))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(manifestPath(home), data, 0600)
}

// placeholderFingerprint derives a stable hex identifier from the agent
// name, shaped like a PGP fingerprint (40 upper-case hex chars).
func placeholderFingerprint(name string) string {
	digest := sha256.Sum256([]byte("warden:" + name))
	return strings.ToUpper(hex.EncodeToString(digest[:])[:40])
}
