// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"fmt"
	"time"
)

// KeyType classifies how a key's material is produced and used.
type KeyType string

const (
	// KeyTypeMaster is the root of the derivation hierarchy.
	KeyTypeMaster KeyType = "master"
	// KeyTypeService is derived deterministically from the master,
	// scoped to one named consumer.
	KeyTypeService KeyType = "service"
	// KeyTypeTeam is random (never derived) so it can rotate without
	// perturbing the derivation tree. Access is ACL-controlled.
	KeyTypeTeam KeyType = "team"
	// KeyTypeSubkey is delegated, derived from master or any named key.
	KeyTypeSubkey KeyType = "subkey"
)

func (t KeyType) valid() bool {
	switch t {
	case KeyTypeMaster, KeyTypeService, KeyTypeTeam, KeyTypeSubkey:
		return true
	}
	return false
}

// KeyStatus is the lifecycle state of a key version. Every state except
// active is terminal.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRotated KeyStatus = "rotated"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

func (s KeyStatus) valid() bool {
	switch s {
	case KeyStatusActive, KeyStatusRotated, KeyStatusRevoked, KeyStatusExpired:
		return true
	}
	return false
}

// Algorithm strings recorded on key metadata.
const (
	AlgorithmDerived = "HKDF-SHA256+AES-GCM"
	AlgorithmRandom  = "random+AES-GCM"
)

// KeyRecord is the metadata for one version of one logical key. The raw
// key material is stored separately, always encrypted (see keystore.go).
type KeyRecord struct {
	KeyID       string            `json:"key_id"`
	KeyType     KeyType           `json:"key_type"`
	Algorithm   string            `json:"algorithm"`
	Label       string            `json:"label"`
	ParentKeyID string            `json:"parent_key_id,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Status      KeyStatus         `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	RotatedAt   *time.Time        `json:"rotated_at,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Version     int               `json:"version"`
	Members     []string          `json:"members,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IsActive reports whether this version is the usable one for its label.
func (r *KeyRecord) IsActive() bool {
	return r.Status == KeyStatusActive
}

// HasMember reports whether agent is in the team ACL.
func (r *KeyRecord) HasMember(agent string) bool {
	for _, m := range r.Members {
		if m == agent {
			return true
		}
	}
	return false
}

// Validate checks structural invariants. Records are validated when the
// keystore file is loaded so corruption surfaces before use, not at
// mutation points.
func (r *KeyRecord) Validate() error {
	if r.KeyID == "" {
		return fmt.Errorf("key record missing key_id")
	}
	if !r.KeyType.valid() {
		return fmt.Errorf("key %s: unknown key_type %q", r.KeyID, r.KeyType)
	}
	if r.Label == "" {
		return fmt.Errorf("key %s: missing label", r.KeyID)
	}
	if !r.Status.valid() {
		return fmt.Errorf("key %s: unknown status %q", r.KeyID, r.Status)
	}
	if r.Version < 1 {
		return fmt.Errorf("key %s: version %d < 1", r.KeyID, r.Version)
	}
	if r.Fingerprint == "" {
		return fmt.Errorf("key %s: missing fingerprint", r.KeyID)
	}
	if len(r.Members) > 0 && r.KeyType != KeyTypeTeam {
		return fmt.Errorf("key %s: members on non-team key", r.KeyID)
	}
	return nil
}

// RotationEntry is one record in the append-only rotation log. Entries
// are never mutated or deleted.
type RotationEntry struct {
	KeyID          string    `json:"key_id"`
	OldFingerprint string    `json:"old_fingerprint"`
	NewFingerprint string    `json:"new_fingerprint"`
	OldVersion     int       `json:"old_version"`
	NewVersion     int       `json:"new_version"`
	RotatedAt      time.Time `json:"rotated_at"`
	Reason         string    `json:"reason,omitempty"`
}
