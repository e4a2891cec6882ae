// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/wardenlabs/warden/pkg/audit"
)

const cascadeReason = "master rotation cascade"

type rotateConfig struct {
	cascade bool
}

// RotateOption configures RotateKey.
type RotateOption func(*rotateConfig)

// CascadeRotation allows master rotation while derived keys are active:
// every active service key and master-rooted subkey is re-derived under
// the new master, each at version+1 with its own rotation entry. Data
// encrypted under the old derived material stays decryptable only
// through the retained rotated versions.
func CascadeRotation() RotateOption {
	return func(c *rotateConfig) { c.cascade = true }
}

// RotateKey replaces the active material for a key: the current record
// is marked rotated, new material is produced at version+1 by the same
// scheme the key type uses (random for team keys, HKDF for the rest),
// and a RotationEntry is appended to the rotation log.
//
// Rotating the master is special: it refuses with ErrDerivedKeysActive
// while derived keys are active, because their material roots in the
// master being replaced. Pass CascadeRotation to re-derive them in the
// same cycle. Either way the old master material survives only in its
// rotated record, and the operation is irreversible.
func (ks *KeyStore) RotateKey(keyID, reason string, opts ...RotateOption) (*KeyRecord, error) {
	var cfg rotateConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	unlock, err := ks.lockStore()
	if err != nil {
		return nil, err
	}
	defer unlock()

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}
	old := recordByID(records, keyID)
	if old == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if !old.IsActive() {
		return nil, fmt.Errorf("%w: key %s is %s", ErrKeyInactive, keyID, old.Status)
	}

	if old.KeyType == KeyTypeMaster {
		return ks.rotateMaster(records, old, reason, cfg.cascade)
	}

	var newRaw []byte
	if old.KeyType == KeyTypeTeam {
		newRaw = make([]byte, keySize)
		if _, err := rand.Read(newRaw); err != nil {
			return nil, fmt.Errorf("generate team key: %w", err)
		}
	} else {
		parentMaterial, err := ks.rotationParentMaterial(records, old)
		if err != nil {
			return nil, err
		}
		newRaw, err = deriveKey(parentMaterial, nil, infoVersioned(old.KeyType, old.Label, old.Version+1), keySize)
		if err != nil {
			return nil, err
		}
	}

	oldVersion := old.Version
	newRecord, entry, err := ks.applyRotation(old, newRaw, reason)
	if err != nil {
		return nil, err
	}

	if err := ks.saveRecords(append(records, newRecord)); err != nil {
		return nil, err
	}
	if err := ks.appendRotations(entry); err != nil {
		return nil, err
	}

	RotationsTotal.WithLabelValues(string(old.KeyType)).Inc()
	ks.trail.Emit(audit.EventKeyRotate,
		fmt.Sprintf("Rotated key '%s' v%d -> v%d", old.Label, oldVersion, newRecord.Version),
		ks.agent, map[string]any{"key_id": old.KeyID, "new_key_id": newRecord.KeyID, "reason": reason})

	return newRecord, nil
}

// rotationParentMaterial resolves the input keying material for
// re-deriving old at its next version: master material for service
// keys, the current active parent's material for subkeys.
func (ks *KeyStore) rotationParentMaterial(records []*KeyRecord, old *KeyRecord) ([]byte, error) {
	if old.KeyType == KeyTypeService {
		return ks.activeMasterMaterial(records)
	}

	// Subkey: resolve the lineage parent to its current active version.
	parentRef := recordByID(records, old.ParentKeyID)
	if parentRef == nil || parentRef.KeyType == KeyTypeMaster {
		return ks.activeMasterMaterial(records)
	}
	parent := findActive(records, parentRef.Label, parentRef.KeyType)
	if parent == nil {
		return nil, fmt.Errorf("%w: no active parent %q for subkey %q", ErrKeyInactive, parentRef.Label, old.Label)
	}
	return ks.loadMaterial(parent.KeyID)
}

func (ks *KeyStore) activeMasterMaterial(records []*KeyRecord) ([]byte, error) {
	master := findActive(records, masterLabel, KeyTypeMaster)
	if master == nil {
		return nil, fmt.Errorf("%w: no active master key", ErrKeyInactive)
	}
	if ks.master == nil || keyFingerprint(ks.master) != master.Fingerprint {
		material, err := ks.loadMaterial(master.KeyID)
		if err != nil {
			return nil, err
		}
		ks.master = material
	}
	return ks.master, nil
}

// applyRotation marks old rotated, builds its version+1 record, and
// writes the new material file. The caller persists the record list.
func (ks *KeyStore) applyRotation(old *KeyRecord, newRaw []byte, reason string) (*KeyRecord, RotationEntry, error) {
	now := ks.now()
	old.Status = KeyStatusRotated
	old.RotatedAt = &now

	newRecord := &KeyRecord{
		KeyID:       keyID(old.KeyType, old.Label, old.Version+1),
		KeyType:     old.KeyType,
		Algorithm:   old.Algorithm,
		Label:       old.Label,
		ParentKeyID: old.ParentKeyID,
		Fingerprint: keyFingerprint(newRaw),
		Status:      KeyStatusActive,
		CreatedAt:   now,
		Version:     old.Version + 1,
		Members:     append([]string(nil), old.Members...),
	}

	if err := ks.saveMaterial(newRecord.KeyID, newRaw); err != nil {
		return nil, RotationEntry{}, err
	}

	entry := RotationEntry{
		KeyID:          old.KeyID,
		OldFingerprint: old.Fingerprint,
		NewFingerprint: newRecord.Fingerprint,
		OldVersion:     old.Version,
		NewVersion:     newRecord.Version,
		RotatedAt:      now,
		Reason:         reason,
	}
	return newRecord, entry, nil
}

// rotateMaster re-derives the master from fresh identity material with
// a random salt, then optionally cascades through the derivation tree.
func (ks *KeyStore) rotateMaster(records []*KeyRecord, old *KeyRecord, reason string, cascade bool) (*KeyRecord, error) {
	affected := derivedActive(records)
	if len(affected) > 0 && !cascade {
		labels := make([]string, 0, len(affected))
		for _, t := range affected {
			labels = append(labels, t.rec.Label)
		}
		return nil, fmt.Errorf("%w: %s", ErrDerivedKeysActive, strings.Join(labels, ", "))
	}

	seed, err := ks.identitySeed()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate rotation salt: %w", err)
	}
	newRaw, err := deriveKey(seed, salt, infoMasterVersioned(old.Version+1), keySize)
	if err != nil {
		return nil, err
	}

	oldVersion := old.Version
	newMaster, masterEntry, err := ks.applyRotation(old, newRaw, reason)
	if err != nil {
		return nil, err
	}
	records = append(records, newMaster)
	ks.master = newRaw
	entries := []RotationEntry{masterEntry}

	cascaded := make([]string, 0, len(affected))
	for _, target := range affected {
		rec := target.rec

		var parentMaterial []byte
		parentRef := recordByID(records, rec.ParentKeyID)
		if rec.KeyType == KeyTypeService || parentRef == nil || parentRef.KeyType == KeyTypeMaster {
			parentMaterial = ks.master
		} else {
			parent := findActive(records, parentRef.Label, parentRef.KeyType)
			if parent == nil {
				return nil, fmt.Errorf("%w: no active parent %q for subkey %q", ErrKeyInactive, parentRef.Label, rec.Label)
			}
			parentMaterial, err = ks.loadMaterial(parent.KeyID)
			if err != nil {
				return nil, err
			}
		}

		raw, err := deriveKey(parentMaterial, nil, infoVersioned(rec.KeyType, rec.Label, rec.Version+1), keySize)
		if err != nil {
			return nil, err
		}
		newRec, entry, err := ks.applyRotation(rec, raw, cascadeReason)
		if err != nil {
			return nil, err
		}
		newRec.ParentKeyID = ks.reparent(records, rec, newMaster)
		records = append(records, newRec)
		entries = append(entries, entry)
		cascaded = append(cascaded, rec.Label)
		RotationsTotal.WithLabelValues(string(rec.KeyType)).Inc()
	}

	if err := ks.saveRecords(records); err != nil {
		return nil, err
	}
	if err := ks.appendRotations(entries...); err != nil {
		return nil, err
	}

	RotationsTotal.WithLabelValues(string(KeyTypeMaster)).Inc()
	ks.trail.Emit(audit.EventMasterKeyRotate,
		fmt.Sprintf("Master key rotated v%d -> v%d", oldVersion, newMaster.Version),
		ks.agent, map[string]any{"reason": reason, "cascaded": cascaded})

	return newMaster, nil
}

// reparent points a cascaded record's lineage at the current active
// version of its parent.
func (ks *KeyStore) reparent(records []*KeyRecord, old *KeyRecord, newMaster *KeyRecord) string {
	parentRef := recordByID(records, old.ParentKeyID)
	if parentRef == nil || parentRef.KeyType == KeyTypeMaster {
		return newMaster.KeyID
	}
	if parent := findActive(records, parentRef.Label, parentRef.KeyType); parent != nil {
		return parent.KeyID
	}
	return old.ParentKeyID
}

type cascadeTarget struct {
	rec   *KeyRecord
	depth int
}

// derivedActive collects the active keys whose material roots in the
// master: every active service key, plus active subkeys whose lineage
// chain reaches the master. Team keys and team-rooted subkeys are
// independent and never affected. Results are ordered parent-first so
// a cascade re-derives parents before their children.
func derivedActive(records []*KeyRecord) []cascadeTarget {
	var targets []cascadeTarget
	for _, r := range records {
		if !r.IsActive() {
			continue
		}
		switch r.KeyType {
		case KeyTypeService:
			targets = append(targets, cascadeTarget{rec: r, depth: 0})
		case KeyTypeSubkey:
			if depth, rooted := masterDepth(records, r); rooted {
				targets = append(targets, cascadeTarget{rec: r, depth: depth})
			}
		}
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].depth < targets[j].depth })
	return targets
}

// masterDepth walks a subkey's lineage toward the master. Returns the
// chain length and whether the chain reaches the master at all.
func masterDepth(records []*KeyRecord, r *KeyRecord) (int, bool) {
	depth := 0
	seen := map[string]bool{}
	cur := r
	for {
		if cur.ParentKeyID == "" {
			// Subkeys always record lineage; treat a missing one as
			// master-rooted, matching how they are derived.
			return depth, true
		}
		if seen[cur.ParentKeyID] {
			return 0, false
		}
		seen[cur.ParentKeyID] = true

		parent := recordByID(records, cur.ParentKeyID)
		if parent == nil {
			return 0, false
		}
		switch parent.KeyType {
		case KeyTypeMaster:
			return depth, true
		case KeyTypeTeam:
			return 0, false
		}
		depth++
		cur = parent
	}
}

// appendRotations appends entries to the rotation log, one JSON line
// each. The log is append-only and never rewritten in place.
func (ks *KeyStore) appendRotations(entries ...RotationEntry) error {
	f, err := os.OpenFile(ks.rotationLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open rotation log: %w", err)
	}
	defer f.Close()

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal rotation entry: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append rotation entry: %w", err)
		}
	}
	return nil
}

// ReadRotationLog returns every rotation entry, oldest first.
func (ks *KeyStore) ReadRotationLog() ([]RotationEntry, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	f, err := os.Open(ks.rotationLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open rotation log: %w", err)
	}
	defer f.Close()

	var entries []RotationEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry RotationEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("parse rotation log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan rotation log: %w", err)
	}
	return entries, nil
}
