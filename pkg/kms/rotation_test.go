// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Rotation Tests
// =============================================================================

func TestRotateKey_Service(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	old, err := ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)
	oldMaterial, err := ks.GetKeyMaterial(old.KeyID, "")
	require.NoError(t, err)

	rotated, err := ks.RotateKey(old.KeyID, "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 2, rotated.Version)
	assert.Equal(t, keyID(KeyTypeService, "api-gateway", 2), rotated.KeyID)
	assert.NotEqual(t, old.KeyID, rotated.KeyID)
	assert.NotEqual(t, old.Fingerprint, rotated.Fingerprint)
	assert.Equal(t, KeyStatusActive, rotated.Status)
	assert.Equal(t, old.ParentKeyID, rotated.ParentKeyID)

	// The label now resolves to the new version.
	current, err := ks.GetKey("api-gateway", KeyTypeService)
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, current.KeyID)

	// The prior version stays on record as Rotated, with its material
	// intact for backward decryption. Only the public surface refuses it.
	records, err := ks.ListKeys(KeyTypeService, true)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, KeyStatusRotated, records[0].Status)
	require.NotNil(t, records[0].RotatedAt)

	kept, err := ks.loadMaterial(old.KeyID)
	require.NoError(t, err)
	assert.Equal(t, oldMaterial, kept)

	_, err = ks.GetKeyMaterial(old.KeyID, "")
	assert.ErrorIs(t, err, ErrKeyInactive)

	newMaterial, err := ks.GetKeyMaterial(rotated.KeyID, "")
	require.NoError(t, err)
	assert.NotEqual(t, oldMaterial, newMaterial)
}

func TestRotateKey_Team(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	old, err := ks.CreateTeamKey("dev-team", []string{"opus", "lumina"})
	require.NoError(t, err)

	rotated, err := ks.RotateKey(old.KeyID, "member change")
	require.NoError(t, err)

	assert.Equal(t, 2, rotated.Version)
	assert.Equal(t, AlgorithmRandom, rotated.Algorithm)
	assert.NotEqual(t, old.Fingerprint, rotated.Fingerprint)

	// The ACL carries over to the new version.
	assert.Equal(t, []string{"opus", "lumina"}, rotated.Members)
}

func TestRotateKey_Subkey_FromCurrentParent(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	svc, err := ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)
	sub, err := ks.DeriveSubkey("api-gateway-reader", "api-gateway")
	require.NoError(t, err)

	rotated, err := ks.RotateKey(sub.KeyID, "scheduled")
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)

	// The new version derives from the parent's current material.
	parentMaterial, err := ks.GetKeyMaterial(svc.KeyID, "")
	require.NoError(t, err)
	expected, err := deriveKey(parentMaterial, nil, infoVersioned(KeyTypeSubkey, "api-gateway-reader", 2), keySize)
	require.NoError(t, err)

	got, err := ks.GetKeyMaterial(rotated.KeyID, "")
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestRotateKey_Errors(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	old, err := ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)

	_, err = ks.RotateKey("deadbeefdeadbeef", "unknown")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = ks.RotateKey(old.KeyID, "first")
	require.NoError(t, err)

	// The old version is no longer active and cannot rotate again.
	_, err = ks.RotateKey(old.KeyID, "second")
	assert.ErrorIs(t, err, ErrKeyInactive)
}

// =============================================================================
// Rotation Log Tests
// =============================================================================

func TestRotationLog(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	svc, err := ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)

	v2, err := ks.RotateKey(svc.KeyID, "scheduled")
	require.NoError(t, err)

	entries, err := ks.ReadRotationLog()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, svc.KeyID, entries[0].KeyID)
	assert.Equal(t, svc.Fingerprint, entries[0].OldFingerprint)
	assert.Equal(t, v2.Fingerprint, entries[0].NewFingerprint)
	assert.Equal(t, 1, entries[0].OldVersion)
	assert.Equal(t, 2, entries[0].NewVersion)
	assert.Equal(t, "scheduled", entries[0].Reason)
}

func TestRotationLog_AppendOnly(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	svc, err := ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)

	v2, err := ks.RotateKey(svc.KeyID, "first")
	require.NoError(t, err)
	first, err := os.ReadFile(ks.rotationLogPath())
	require.NoError(t, err)

	_, err = ks.RotateKey(v2.KeyID, "second")
	require.NoError(t, err)
	second, err := os.ReadFile(ks.rotationLogPath())
	require.NoError(t, err)

	// Earlier entries survive byte for byte; new ones only append.
	assert.True(t, strings.HasPrefix(string(second), string(first)))
	assert.Equal(t, 2, strings.Count(string(second), "\n"))

	entries, err := ks.ReadRotationLog()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Reason)
	assert.Equal(t, "second", entries[1].Reason)
}

// =============================================================================
// Master Rotation Tests
// =============================================================================

func TestRotateKey_Master_NoDerivedKeys(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	master, err := ks.Initialize()
	require.NoError(t, err)

	rotated, err := ks.RotateKey(master.KeyID, "scheduled")
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)
	assert.Equal(t, KeyTypeMaster, rotated.KeyType)
	assert.NotEqual(t, master.Fingerprint, rotated.Fingerprint)

	// New derivations root at the rotated master.
	svc, err := ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, svc.ParentKeyID)
}

func TestRotateKey_Master_RefusesWithDerivedKeys(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	master, err := ks.Initialize()
	require.NoError(t, err)
	_, err = ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)

	_, err = ks.RotateKey(master.KeyID, "scheduled")
	assert.ErrorIs(t, err, ErrDerivedKeysActive)
	assert.Contains(t, err.Error(), "api-gateway")

	// Refusal leaves the hierarchy untouched.
	current, err := ks.GetKey("master", KeyTypeMaster)
	require.NoError(t, err)
	assert.Equal(t, master.KeyID, current.KeyID)
}

func TestRotateKey_Master_Cascade(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	master, err := ks.Initialize()
	require.NoError(t, err)
	_, err = ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)
	_, err = ks.DeriveSubkey("api-gateway-reader", "api-gateway")
	require.NoError(t, err)
	team, err := ks.CreateTeamKey("dev-team", []string{"opus"})
	require.NoError(t, err)

	newMaster, err := ks.RotateKey(master.KeyID, "compromise", CascadeRotation())
	require.NoError(t, err)
	assert.Equal(t, 2, newMaster.Version)

	// Every master-rooted key moved to version 2 under the new master.
	svc, err := ks.GetKey("api-gateway", KeyTypeService)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Version)
	assert.Equal(t, newMaster.KeyID, svc.ParentKeyID)

	sub, err := ks.GetKey("api-gateway-reader", KeyTypeSubkey)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Version)
	assert.Equal(t, svc.KeyID, sub.ParentKeyID)

	// Cascaded material re-derives from the new lineage.
	masterMaterial, err := ks.GetKeyMaterial(newMaster.KeyID, "")
	require.NoError(t, err)
	expectedSvc, err := deriveKey(masterMaterial, nil, infoVersioned(KeyTypeService, "api-gateway", 2), keySize)
	require.NoError(t, err)
	gotSvc, err := ks.GetKeyMaterial(svc.KeyID, "")
	require.NoError(t, err)
	assert.Equal(t, expectedSvc, gotSvc)

	// Team keys are independent of the master and stay at version 1.
	currentTeam, err := ks.GetKey("dev-team", KeyTypeTeam)
	require.NoError(t, err)
	assert.Equal(t, 1, currentTeam.Version)
	assert.Equal(t, team.Fingerprint, currentTeam.Fingerprint)

	// One log entry per rotated key: master, service, subkey.
	entries, err := ks.ReadRotationLog()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRotateKey_Master_CascadeKeepsDecryption(t *testing.T) {
	t.Parallel()

	ks := newTestStore(t)
	master, err := ks.Initialize()
	require.NoError(t, err)
	svc, err := ks.DeriveServiceKey("api-gateway", 0)
	require.NoError(t, err)
	oldMaterial, err := ks.GetKeyMaterial(svc.KeyID, "")
	require.NoError(t, err)

	ciphertext, err := EncryptToken(oldMaterial, []byte("sealed before rotation"))
	require.NoError(t, err)

	_, err = ks.RotateKey(master.KeyID, "compromise", CascadeRotation())
	require.NoError(t, err)

	// The rotated service key's material file survives, so data written
	// before the cascade can still be recovered.
	kept, err := ks.loadMaterial(svc.KeyID)
	require.NoError(t, err)
	plaintext, err := DecryptToken(kept, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed before rotation"), plaintext)
}
