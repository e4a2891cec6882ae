// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package kms is the single source of truth for every derivable and
// random key in a warden home: derivation, rotation, team ACLs,
// revocation, and at-rest encryption of key material.
//
// Storage layout:
//
//	<home>/security/kms/
//	  keystore.json          # KeyRecord list, rewritten wholesale
//	  rotation-log.jsonl     # append-only RotationEntry log
//	  kms.lock               # advisory flock for read-modify-write cycles
//	  keys/
//	    <key_id>.key.enc     # AES-GCM encrypted raw key bytes
//
// The hierarchy is rooted in identity keying material: master and
// service keys are re-derivable from the identity fingerprint alone, so
// nothing but the identity needs to be backed up to recover them. Team
// keys are random by design and are gone for good once revoked.
package kms

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/utils"
)

const auditAgent = "kms"

// KeyStore manages the key hierarchy for one warden home.
//
// Mutations follow read-modify-write over the whole keystore file,
// guarded by an in-process mutex plus an advisory flock so cooperating
// processes serialize their cycles. That is an advisory guarantee only;
// a writer that bypasses the lock can still lose updates.
type KeyStore struct {
	home    string
	dir     string
	keysDir string

	mu    sync.Mutex
	trail *audit.Trail
	now   func() time.Time
	agent string

	ephemeral     bool
	ephemeralSeed []byte

	master []byte
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithAuditTrail attaches a security audit trail. Without one, audit
// events are dropped.
func WithAuditTrail(t *audit.Trail) Option {
	return func(ks *KeyStore) { ks.trail = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(ks *KeyStore) { ks.now = now }
}

// WithAgent sets the agent name recorded on audit entries.
func WithAgent(name string) Option {
	return func(ks *KeyStore) { ks.agent = name }
}

// WithEphemeralIdentity permits initializing without identity material
// by generating a random in-process seed. Keys derived from it cannot
// be re-derived after a restart; anything encrypted under them becomes
// unrecoverable when the process exits. Only for throwaway homes.
func WithEphemeralIdentity() Option {
	return func(ks *KeyStore) { ks.ephemeral = true }
}

// New creates a KeyStore rooted at home. No I/O happens until the first
// operation.
func New(home string, opts ...Option) *KeyStore {
	dir := filepath.Join(home, "security", "kms")
	ks := &KeyStore{
		home:    home,
		dir:     dir,
		keysDir: filepath.Join(dir, "keys"),
		now:     func() time.Time { return time.Now().UTC() },
		agent:   auditAgent,
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Dir returns the KMS state directory.
func (ks *KeyStore) Dir() string { return ks.dir }

func (ks *KeyStore) keystorePath() string { return filepath.Join(ks.dir, "keystore.json") }

func (ks *KeyStore) rotationLogPath() string { return filepath.Join(ks.dir, "rotation-log.jsonl") }

func (ks *KeyStore) lockPath() string { return filepath.Join(ks.dir, "kms.lock") }

func (ks *KeyStore) materialPath(keyID string) string {
	return filepath.Join(ks.keysDir, keyID+".key.enc")
}

// Initialize derives the master key from identity material, or returns
// the existing active master unchanged. Idempotent.
//
// Missing identity is a hard failure: a master derived from a random
// seed silently breaks every decryption after a restart. Opt in to that
// trade-off explicitly with WithEphemeralIdentity.
func (ks *KeyStore) Initialize() (*KeyRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	unlock, err := ks.lockStore()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return ks.initializeLocked()
}

// DeriveServiceKey derives a key scoped to one named consumer. The
// derivation is deterministic, so the same name always yields the same
// key_id and material until a rotation bumps the version. Returns the
// existing active record unchanged if one exists. ttl of zero means no
// expiry.
func (ks *KeyStore) DeriveServiceKey(name string, ttl time.Duration) (*KeyRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty service name", ErrKeyNotFound)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	unlock, err := ks.lockStore()
	if err != nil {
		return nil, err
	}
	defer unlock()

	master, err := ks.initializeLocked()
	if err != nil {
		return nil, err
	}

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}
	if existing := findActive(records, name, KeyTypeService); existing != nil {
		return existing, nil
	}

	raw, err := deriveKey(ks.master, nil, infoService(name), keySize)
	if err != nil {
		return nil, err
	}

	record := &KeyRecord{
		KeyID:       keyID(KeyTypeService, name, 1),
		KeyType:     KeyTypeService,
		Algorithm:   AlgorithmDerived,
		Label:       name,
		ParentKeyID: master.KeyID,
		Fingerprint: keyFingerprint(raw),
		Status:      KeyStatusActive,
		CreatedAt:   ks.now(),
		Version:     1,
	}
	if ttl > 0 {
		expires := ks.now().Add(ttl)
		record.ExpiresAt = &expires
	}

	if err := ks.saveMaterial(record.KeyID, raw); err != nil {
		return nil, err
	}
	if err := ks.saveRecords(append(records, record)); err != nil {
		return nil, err
	}

	OperationsTotal.WithLabelValues("derive_service").Inc()
	ks.trail.Emit(audit.EventKeyDerive,
		fmt.Sprintf("Derived service key '%s' (%s)", name, record.KeyID),
		ks.agent, map[string]any{"key_type": "service", "label": name})

	return record, nil
}

// DeriveSubkey derives a delegated key rooted at parentLabel, or at the
// master when parentLabel is empty. Supports delegation chains without
// re-deriving the root. Idempotent by label.
func (ks *KeyStore) DeriveSubkey(label, parentLabel string) (*KeyRecord, error) {
	if label == "" {
		return nil, fmt.Errorf("%w: empty subkey label", ErrKeyNotFound)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	unlock, err := ks.lockStore()
	if err != nil {
		return nil, err
	}
	defer unlock()

	master, err := ks.initializeLocked()
	if err != nil {
		return nil, err
	}

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}
	if existing := findActive(records, label, KeyTypeSubkey); existing != nil {
		return existing, nil
	}

	parentMaterial := ks.master
	parentID := master.KeyID
	if parentLabel != "" {
		parent := findActive(records, parentLabel, "")
		if parent == nil {
			return nil, fmt.Errorf("%w: parent key %q", ErrKeyNotFound, parentLabel)
		}
		parentMaterial, err = ks.loadMaterial(parent.KeyID)
		if err != nil {
			return nil, err
		}
		parentID = parent.KeyID
	}

	raw, err := deriveKey(parentMaterial, nil, infoSubkey(label), keySize)
	if err != nil {
		return nil, err
	}

	record := &KeyRecord{
		KeyID:       keyID(KeyTypeSubkey, label, 1),
		KeyType:     KeyTypeSubkey,
		Algorithm:   AlgorithmDerived,
		Label:       label,
		ParentKeyID: parentID,
		Fingerprint: keyFingerprint(raw),
		Status:      KeyStatusActive,
		CreatedAt:   ks.now(),
		Version:     1,
	}

	if err := ks.saveMaterial(record.KeyID, raw); err != nil {
		return nil, err
	}
	if err := ks.saveRecords(append(records, record)); err != nil {
		return nil, err
	}

	OperationsTotal.WithLabelValues("derive_subkey").Inc()
	ks.trail.Emit(audit.EventKeyDerive,
		fmt.Sprintf("Derived subkey '%s' (%s)", label, record.KeyID),
		ks.agent, map[string]any{"key_type": "subkey", "parent": parentID})

	return record, nil
}

// CreateTeamKey generates a random shared key with an initial member
// ACL. Random so the team key can rotate independently of the
// derivation tree. Idempotent by label.
func (ks *KeyStore) CreateTeamKey(team string, members []string) (*KeyRecord, error) {
	if team == "" {
		return nil, fmt.Errorf("%w: empty team name", ErrKeyNotFound)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	unlock, err := ks.lockStore()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := ks.initializeLocked(); err != nil {
		return nil, err
	}

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}
	if existing := findActive(records, team, KeyTypeTeam); existing != nil {
		return existing, nil
	}

	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate team key: %w", err)
	}

	record := &KeyRecord{
		KeyID:       keyID(KeyTypeTeam, team, 1),
		KeyType:     KeyTypeTeam,
		Algorithm:   AlgorithmRandom,
		Label:       team,
		Fingerprint: keyFingerprint(raw),
		Status:      KeyStatusActive,
		CreatedAt:   ks.now(),
		Version:     1,
		Members:     append([]string(nil), members...),
	}

	if err := ks.saveMaterial(record.KeyID, raw); err != nil {
		return nil, err
	}
	if err := ks.saveRecords(append(records, record)); err != nil {
		return nil, err
	}

	OperationsTotal.WithLabelValues("create_team").Inc()
	ks.trail.Emit(audit.EventTeamKeyCreate,
		fmt.Sprintf("Created team key '%s' (%s) with %d members", team, record.KeyID, len(record.Members)),
		ks.agent, map[string]any{"team": team, "members": record.Members})

	return record, nil
}

// AddTeamMember adds agent to the team ACL in place. No version bump.
func (ks *KeyStore) AddTeamMember(team, agent string) (*KeyRecord, error) {
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
	record := findActive(records, team, KeyTypeTeam)
	if record == nil {
		return nil, fmt.Errorf("%w: team key %q", ErrKeyNotFound, team)
	}

	if record.HasMember(agent) {
		return record, nil
	}

	record.Members = append(record.Members, agent)
	if err := ks.saveRecords(records); err != nil {
		return nil, err
	}

	OperationsTotal.WithLabelValues("team_member_add").Inc()
	ks.trail.Emit(audit.EventTeamMemberAdd,
		fmt.Sprintf("Added '%s' to team '%s'", agent, team),
		ks.agent, map[string]any{"team": team, "agent": agent})

	return record, nil
}

// RemoveTeamMember removes agent from the team ACL in place.
func (ks *KeyStore) RemoveTeamMember(team, agent string) (*KeyRecord, error) {
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
	record := findActive(records, team, KeyTypeTeam)
	if record == nil {
		return nil, fmt.Errorf("%w: team key %q", ErrKeyNotFound, team)
	}

	if !record.HasMember(agent) {
		return record, nil
	}

	kept := record.Members[:0]
	for _, m := range record.Members {
		if m != agent {
			kept = append(kept, m)
		}
	}
	record.Members = kept

	if err := ks.saveRecords(records); err != nil {
		return nil, err
	}

	OperationsTotal.WithLabelValues("team_member_remove").Inc()
	ks.trail.Emit(audit.EventTeamMemberRemove,
		fmt.Sprintf("Removed '%s' from team '%s'", agent, team),
		ks.agent, map[string]any{"team": team, "agent": agent})

	return record, nil
}

// RevokeKey marks a key revoked and destroys its material file.
// Irreversible: for team keys the material is gone for good; for
// derived keys only re-derivation from an intact ancestor can bring the
// bytes back.
func (ks *KeyStore) RevokeKey(keyID, reason string) (*KeyRecord, error) {
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
	record := recordByID(records, keyID)
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	record.Status = KeyStatusRevoked
	if err := ks.saveRecords(records); err != nil {
		return nil, err
	}

	if err := os.Remove(ks.materialPath(keyID)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove key material: %w", err)
	}
	if record.KeyType == KeyTypeMaster {
		ks.master = nil
	}

	OperationsTotal.WithLabelValues("revoke").Inc()
	ks.trail.Emit(audit.EventKeyRevoke,
		fmt.Sprintf("Revoked key '%s' (%s)", record.Label, keyID),
		ks.agent, map[string]any{"key_id": keyID, "reason": reason})

	return record, nil
}

// GetKey returns the highest-version active record for label. typ of ""
// matches any key type.
func (ks *KeyStore) GetKey(label string, typ KeyType) (*KeyRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}
	record := findActive(records, label, typ)
	if record == nil {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, label)
	}
	return record, nil
}

// GetKeyMaterial returns the raw key bytes for keyID. Team keys with a
// non-empty ACL deny agents that are not members; an empty agent means
// the local owner context and bypasses the ACL. Every grant and denial
// is audited.
func (ks *KeyStore) GetKeyMaterial(keyID, agent string) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}
	record := recordByID(records, keyID)
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	if !record.IsActive() {
		return nil, fmt.Errorf("%w: key %s is %s", ErrKeyInactive, keyID, record.Status)
	}

	if record.KeyType == KeyTypeTeam && len(record.Members) > 0 && agent != "" && !record.HasMember(agent) {
		AccessDeniedTotal.Inc()
		ks.trail.Emit(audit.EventKeyAccessDenied,
			fmt.Sprintf("Agent '%s' denied access to team key '%s'", agent, record.Label),
			ks.agent, map[string]any{"key_id": keyID, "agent": agent})
		return nil, fmt.Errorf("%w: agent %q not in team %q", ErrPermissionDenied, agent, record.Label)
	}

	material, err := ks.loadMaterial(keyID)
	if err != nil {
		return nil, err
	}

	ks.trail.Emit(audit.EventKeyAccess,
		fmt.Sprintf("Key material accessed: '%s' (%s)", record.Label, keyID),
		ks.agent, map[string]any{"key_id": keyID, "agent": agent})

	return material, nil
}

// GetOrCreateServiceKey is the collaborator surface other subsystems
// call: one round trip from a label to usable key material, creating
// the key on first use.
func (ks *KeyStore) GetOrCreateServiceKey(label string) ([]byte, *KeyRecord, error) {
	record, err := ks.DeriveServiceKey(label, 0)
	if err != nil {
		return nil, nil, err
	}
	material, err := ks.GetKeyMaterial(record.KeyID, "")
	if err != nil {
		return nil, nil, err
	}
	return material, record, nil
}

// ListKeys returns managed keys, newest last. typ of "" matches all
// types; inactive versions are included only on request.
func (ks *KeyStore) ListKeys(typ KeyType, includeInactive bool) ([]*KeyRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}

	out := make([]*KeyRecord, 0, len(records))
	for _, r := range records {
		if typ != "" && r.KeyType != typ {
			continue
		}
		if !includeInactive && !r.IsActive() {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------

// lockStore creates the state directories and takes the advisory flock
// for a read-modify-write cycle. Callers must hold ks.mu.
func (ks *KeyStore) lockStore() (func(), error) {
	if err := os.MkdirAll(ks.keysDir, 0700); err != nil {
		return nil, fmt.Errorf("create kms dirs: %w", err)
	}
	lock, err := utils.AcquireLock(ks.lockPath())
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Msg("release kms lock")
		}
	}, nil
}

// initializeLocked is Initialize without locking, for use inside other
// locked operations that need the master present.
func (ks *KeyStore) initializeLocked() (*KeyRecord, error) {
	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}

	if master := findActive(records, masterLabel, KeyTypeMaster); master != nil {
		// Reload the cache if another process rotated underneath us.
		if ks.master == nil || keyFingerprint(ks.master) != master.Fingerprint {
			material, err := ks.loadMaterial(master.KeyID)
			if err != nil {
				return nil, err
			}
			ks.master = material
		}
		return master, nil
	}

	seed, err := ks.identitySeed()
	if err != nil {
		return nil, err
	}
	raw, err := deriveKey(seed, nil, infoMaster(), keySize)
	if err != nil {
		return nil, err
	}

	record := &KeyRecord{
		KeyID:       keyID(KeyTypeMaster, masterLabel, 1),
		KeyType:     KeyTypeMaster,
		Algorithm:   AlgorithmDerived,
		Label:       masterLabel,
		Fingerprint: keyFingerprint(raw),
		Status:      KeyStatusActive,
		CreatedAt:   ks.now(),
		Version:     1,
	}
	if ks.ephemeralSeed != nil {
		record.Metadata = map[string]string{"ephemeral": "true"}
	}

	if err := ks.saveMaterial(record.KeyID, raw); err != nil {
		return nil, err
	}
	if err := ks.saveRecords(append(records, record)); err != nil {
		return nil, err
	}
	ks.master = raw

	OperationsTotal.WithLabelValues("initialize").Inc()
	ks.trail.Emit(audit.EventKMSInit,
		fmt.Sprintf("KMS initialized, master key %s", record.KeyID), ks.agent, nil)

	return record, nil
}

// identitySeed returns the input keying material for master derivation.
func (ks *KeyStore) identitySeed() ([]byte, error) {
	id, err := identity.Load(ks.home)
	if err == nil {
		return id.Material(), nil
	}
	if !errors.Is(err, identity.ErrNoIdentity) {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	if !ks.ephemeral {
		return nil, ErrIdentityUnavailable
	}

	if ks.ephemeralSeed == nil {
		seed := make([]byte, 64)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate ephemeral seed: %w", err)
		}
		ks.ephemeralSeed = seed
		log.Warn().Msg("no identity available, using ephemeral master seed; keys will not survive a restart")
	}
	return ks.ephemeralSeed, nil
}

// loadRecords reads the keystore file. Active records past their expiry
// surface as expired; the transition persists on the next save.
func (ks *KeyStore) loadRecords() ([]*KeyRecord, error) {
	data, err := os.ReadFile(ks.keystorePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var records []*KeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid keystore: %w", err)
		}
	}

	now := ks.now()
	for _, r := range records {
		if r.Status == KeyStatusActive && r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			r.Status = KeyStatusExpired
		}
	}
	return records, nil
}

func (ks *KeyStore) saveRecords(records []*KeyRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	if err := utils.WriteFileAtomic(ks.keystorePath(), data, 0600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	updateActiveKeyGauge(records)
	return nil
}

// storageKey derives the at-rest encryption key for stored material.
// Never persisted; always re-derived from identity material, so losing
// the identity makes every stored key unrecoverable.
func (ks *KeyStore) storageKey() ([]byte, error) {
	seed, err := ks.identitySeed()
	if err != nil {
		return nil, err
	}
	return deriveKey(seed, nil, infoStorage(), keySize)
}

func (ks *KeyStore) saveMaterial(keyID string, raw []byte) error {
	storage, err := ks.storageKey()
	if err != nil {
		return err
	}
	token, err := EncryptToken(storage, raw)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(ks.materialPath(keyID), []byte(token), 0600); err != nil {
		return fmt.Errorf("write key material: %w", err)
	}
	return nil
}

func (ks *KeyStore) loadMaterial(keyID string) ([]byte, error) {
	data, err := os.ReadFile(ks.materialPath(keyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMaterialMissing, keyID)
		}
		return nil, fmt.Errorf("read key material: %w", err)
	}
	storage, err := ks.storageKey()
	if err != nil {
		return nil, err
	}
	return DecryptToken(storage, string(data))
}

// findActive returns the highest-version active record for label,
// optionally filtered by type. typ of "" matches any.
func findActive(records []*KeyRecord, label string, typ KeyType) *KeyRecord {
	var best *KeyRecord
	for _, r := range records {
		if r.Label != label || !r.IsActive() {
			continue
		}
		if typ != "" && r.KeyType != typ {
			continue
		}
		if best == nil || r.Version > best.Version {
			best = r
		}
	}
	return best
}

// recordByID returns the newest record with the given ID. Records are
// appended in order, so the last match wins when a revoked label was
// re-derived under the same deterministic ID.
func recordByID(records []*KeyRecord, keyID string) *KeyRecord {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].KeyID == keyID {
			return records[i]
		}
	}
	return nil
}
