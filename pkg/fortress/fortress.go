// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package fortress seals structured records with an HMAC so tampering
// is detected on read, and optionally encrypts record content at rest.
// Keys come from an injected kms.KeyStore; the fortress holds no key
// hierarchy of its own.
//
// Storage layout:
//
//	<home>/memory/
//	  fortress.json            # Config
//	  short-term/
//	    <record_id>.json       # sealed (and optionally encrypted) envelope
//	  mid-term/
//	  long-term/
//
// A sealed envelope is the record's own JSON plus the reserved fortress
// fields. The seal is an HMAC-SHA256 over the canonical serialization
// of everything except the seal, sealed-at, and key-id fields; the
// encrypted flag sits inside the sealed payload, so flipping it is
// itself tampering.
package fortress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/kms"
	"github.com/wardenlabs/warden/pkg/utils"
)

const auditAgent = "memory-fortress"

// decryptFailedPlaceholder replaces content that verified but could not
// be decrypted, so the failure is visible instead of silently empty.
const decryptFailedPlaceholder = "[DECRYPTION FAILED]"

var errNoKeyStore = errors.New("no keystore attached")

// SealResult reports the outcome of a seal or verify operation.
// Verified is nil for records that carry no seal at all (legacy data,
// supported for incremental migration).
type SealResult struct {
	RecordID string `json:"record_id"`
	Sealed   bool   `json:"sealed"`
	Verified *bool  `json:"verified,omitempty"`
	Tampered bool   `json:"tampered,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ScanSummary aggregates SealResults from a full scan.
type ScanSummary struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
	Tampered int `json:"tampered"`
	Unsealed int `json:"unsealed"`
}

// Summarize buckets scan results. Read and parse failures count as
// unsealed: they carried no verifiable seal.
func Summarize(results []SealResult) ScanSummary {
	s := ScanSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Tampered:
			s.Tampered++
		case r.Verified != nil && *r.Verified:
			s.Verified++
		case !r.Sealed:
			s.Unsealed++
		}
	}
	return s
}

// Fortress seals and verifies records for one warden home.
type Fortress struct {
	home  string
	keys  *kms.KeyStore
	trail *audit.Trail
	now   func() time.Time

	mu        sync.Mutex
	encrypt   bool
	config    *Config
	sealKey   []byte
	sealKeyID string
	encKey    []byte
}

// Option configures a Fortress.
type Option func(*Fortress)

// WithSealKey supplies an explicit HMAC key instead of deriving one
// from the keystore. Envelopes sealed this way carry no key-id field.
func WithSealKey(key []byte) Option {
	return func(f *Fortress) { f.sealKey = key }
}

// WithEncryption turns on content encryption regardless of the stored
// config. The setting persists on the next Initialize.
func WithEncryption() Option {
	return func(f *Fortress) { f.encrypt = true }
}

// WithAuditTrail attaches a security audit trail.
func WithAuditTrail(t *audit.Trail) Option {
	return func(f *Fortress) { f.trail = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fortress) { f.now = now }
}

// New creates a Fortress over home, sourcing keys from keys. keys may
// be nil only when WithSealKey provides the seal key and encryption
// stays disabled.
func New(home string, keys *kms.KeyStore, opts ...Option) *Fortress {
	f := &Fortress{
		home: home,
		keys: keys,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Initialize loads or creates the config, ensures the seal key (and the
// encryption key, if enabled) exist in the keystore, and persists the
// config. Idempotent.
func (f *Fortress) Initialize() (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.readyLocked(); err != nil {
		return nil, err
	}
	if err := saveConfig(f.home, f.config); err != nil {
		return nil, fmt.Errorf("save fortress config: %w", err)
	}

	f.trail.Emit(audit.EventFortressInit, "Memory fortress initialized", auditAgent, map[string]any{
		"encryption_enabled": f.config.EncryptionEnabled,
		"seal_algorithm":     f.config.SealAlgorithm,
	})

	cfg := *f.config
	return &cfg, nil
}

// Seal returns the record as a sealed envelope, ready to persist. With
// encryption enabled the content field is replaced by an encrypted
// token before the seal is computed, so the seal covers the ciphertext.
func (f *Fortress) Seal(record *Record) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := record.Validate(); err != nil {
		return nil, err
	}
	if err := f.readyLocked(); err != nil {
		return nil, err
	}

	payload, err := recordToPayload(record)
	if err != nil {
		return nil, err
	}

	if f.config.EncryptionEnabled {
		encKey, err := f.encryptionKeyLocked()
		if err != nil {
			return nil, err
		}
		token, err := kms.EncryptToken(encKey, []byte(record.Content))
		if err != nil {
			return nil, fmt.Errorf("encrypt content: %w", err)
		}
		payload["content"] = token
		payload[EncryptedField] = true
	}

	seal, err := f.computeSeal(payload)
	if err != nil {
		return nil, err
	}
	payload[SealField] = seal
	payload[SealedAtField] = f.now().Format(time.RFC3339Nano)
	if f.sealKeyID != "" {
		payload[KeyIDField] = f.sealKeyID
	}

	SealsTotal.Inc()
	if f.config.AuditEvents {
		f.trail.Emit(audit.EventMemorySealed,
			fmt.Sprintf("Record %s sealed", record.RecordID),
			auditAgent, map[string]any{
				"record_id": record.RecordID,
				"tier":      string(record.Tier),
				"encrypted": f.config.EncryptionEnabled,
			})
	}

	return json.MarshalIndent(payload, "", "  ")
}

// VerifyAndLoad parses a stored envelope, verifies its seal, and
// returns the record. An envelope without a seal is a legacy unsealed
// record: it loads with Sealed=false and nil Verified, which is not an
// error. A seal mismatch returns no record; the caller must not use
// tampered data.
func (f *Fortress) VerifyAndLoad(data []byte) (*Record, SealResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payload, err := decodeEnvelope(data)
	if err != nil {
		VerificationsTotal.WithLabelValues("error").Inc()
		return nil, SealResult{Error: fmt.Sprintf("cannot parse: %v", err)}
	}

	recordID, _ := payload["record_id"].(string)

	rawSeal, present := payload[SealField]
	delete(payload, SealField)
	delete(payload, SealedAtField)
	delete(payload, KeyIDField)

	if !present {
		record, err := payloadToRecord(payload)
		if err != nil {
			VerificationsTotal.WithLabelValues("error").Inc()
			return nil, SealResult{RecordID: recordID, Error: err.Error()}
		}
		VerificationsTotal.WithLabelValues("unsealed").Inc()
		return record, SealResult{RecordID: record.RecordID, Sealed: false}
	}

	if err := f.readyLocked(); err != nil {
		return nil, SealResult{RecordID: recordID, Sealed: true, Error: err.Error()}
	}

	// A seal of the wrong shape never verifies; treat it as tampering,
	// not as a legacy record.
	storedSeal, ok := rawSeal.(string)
	if !ok {
		return nil, f.tamperResult(recordID, "<malformed>", "")
	}

	expected, err := f.computeSeal(payload)
	if err != nil {
		return nil, SealResult{RecordID: recordID, Sealed: true, Error: err.Error()}
	}
	if !hmac.Equal([]byte(storedSeal), []byte(expected)) {
		return nil, f.tamperResult(recordID, storedSeal, expected)
	}

	verified := true
	result := SealResult{RecordID: recordID, Sealed: true, Verified: &verified}

	encrypted, _ := payload[EncryptedField].(bool)
	delete(payload, EncryptedField)
	if encrypted {
		f.decryptContent(payload, &result)
	}

	record, err := payloadToRecord(payload)
	if err != nil {
		VerificationsTotal.WithLabelValues("error").Inc()
		result.Error = fmt.Sprintf("parse error after verification: %v", err)
		return nil, result
	}

	VerificationsTotal.WithLabelValues("verified").Inc()
	if f.config.AuditEvents {
		f.trail.Emit(audit.EventMemoryVerified,
			fmt.Sprintf("Record %s integrity verified", record.RecordID),
			auditAgent, map[string]any{"record_id": record.RecordID})
	}

	return record, result
}

// VerifyFile reads and verifies one stored envelope. Read failures
// surface in the result, not as an error, so batch scans keep going.
func (f *Fortress) VerifyFile(path string) (*Record, SealResult) {
	data, err := os.ReadFile(path)
	if err != nil {
		VerificationsTotal.WithLabelValues("error").Inc()
		return nil, SealResult{RecordID: recordStem(path), Error: fmt.Sprintf("cannot read: %v", err)}
	}

	record, result := f.VerifyAndLoad(data)
	if result.RecordID == "" {
		result.RecordID = recordStem(path)
	}
	return record, result
}

// SaveSealed seals the record and writes it to its tier path under the
// fortress home. Returns the path written.
func (f *Fortress) SaveSealed(record *Record) (string, error) {
	sealed, err := f.Seal(record)
	if err != nil {
		return "", err
	}

	path := record.Path(f.home)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create tier dir: %w", err)
	}
	if err := utils.WriteFileAtomic(path, sealed, 0600); err != nil {
		return "", fmt.Errorf("write sealed record: %w", err)
	}
	return path, nil
}

// SealExisting walks every tier and seals records that carry no seal
// yet. Idempotent: already-sealed envelopes are skipped, so repeated
// runs seal nothing new. Returns the number of records sealed.
func (f *Fortress) SealExisting() (int, error) {
	sealed := 0
	for _, tier := range Tiers() {
		dir := tier.Dir(f.home)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return sealed, fmt.Errorf("read tier dir: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())

			data, err := os.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("cannot read record")
				continue
			}
			payload, err := decodeEnvelope(data)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("cannot parse record")
				continue
			}
			if _, ok := payload[SealField]; ok {
				continue
			}

			record, err := payloadToRecord(payload)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("cannot seal record")
				continue
			}
			if record.Tier == "" {
				record.Tier = tier
			}

			envelope, err := f.Seal(record)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("cannot seal record")
				continue
			}
			// Write back in place: the file's location wins over
			// whatever tier the payload claims.
			if err := utils.WriteFileAtomic(path, envelope, 0600); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("cannot write sealed record")
				continue
			}
			sealed++
		}
	}

	if sealed > 0 {
		f.trail.Emit(audit.EventFortressMigration,
			fmt.Sprintf("Sealed %d existing records", sealed),
			auditAgent, map[string]any{"sealed_count": sealed})
	}
	return sealed, nil
}

// VerifyAll verifies every record across all tiers and returns one
// result per file. Use Summarize to aggregate.
func (f *Fortress) VerifyAll() ([]SealResult, error) {
	var results []SealResult
	for _, tier := range Tiers() {
		dir := tier.Dir(f.home)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return results, fmt.Errorf("read tier dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			_, result := f.VerifyFile(filepath.Join(dir, entry.Name()))
			results = append(results, result)
		}
	}

	summary := Summarize(results)
	f.trail.Emit(audit.EventFortressScan, "Full memory integrity scan completed", auditAgent, map[string]any{
		"total":    summary.Total,
		"verified": summary.Verified,
		"tampered": summary.Tampered,
		"unsealed": summary.Unsealed,
	})
	return results, nil
}

// Status summarizes the fortress for operators.
type Status struct {
	Enabled           bool   `json:"enabled"`
	EncryptionEnabled bool   `json:"encryption_enabled"`
	SealAlgorithm     string `json:"seal_algorithm"`
	ServiceLabel      string `json:"kms_service_label"`
	HasSealKey        bool   `json:"has_seal_key"`
	HasEncryptionKey  bool   `json:"has_encryption_key"`
}

// Status reports the current configuration and key availability without
// forcing key derivation.
func (f *Fortress) Status() *Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg := f.configLocked()
	st := &Status{
		Enabled:           cfg.Enabled,
		EncryptionEnabled: cfg.EncryptionEnabled,
		SealAlgorithm:     cfg.SealAlgorithm,
		ServiceLabel:      cfg.ServiceLabel,
		HasSealKey:        f.sealKey != nil,
		HasEncryptionKey:  f.encKey != nil,
	}

	if f.keys != nil {
		if !st.HasSealKey {
			if _, err := f.keys.GetKey(cfg.sealLabel(), kms.KeyTypeService); err == nil {
				st.HasSealKey = true
			}
		}
		if !st.HasEncryptionKey {
			if _, err := f.keys.GetKey(cfg.encLabel(), kms.KeyTypeService); err == nil {
				st.HasEncryptionKey = true
			}
		}
	}
	return st
}

// ---------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------

func (f *Fortress) configLocked() *Config {
	if f.config == nil {
		cfg := loadConfig(f.home)
		if f.encrypt {
			cfg.EncryptionEnabled = true
		}
		f.config = cfg
	}
	return f.config
}

// readyLocked loads the config and derives the seal key. A keystore
// failure is a hard error: sealing with a weaker improvised key would
// produce envelopes nothing can verify later.
func (f *Fortress) readyLocked() error {
	cfg := f.configLocked()

	if f.sealKey == nil {
		if f.keys == nil {
			return errNoKeyStore
		}
		material, record, err := f.keys.GetOrCreateServiceKey(cfg.sealLabel())
		if err != nil {
			return fmt.Errorf("derive seal key: %w", err)
		}
		f.sealKey = material
		f.sealKeyID = record.KeyID
	}

	if cfg.EncryptionEnabled {
		if _, err := f.encryptionKeyLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fortress) encryptionKeyLocked() ([]byte, error) {
	if f.encKey != nil {
		return f.encKey, nil
	}
	if f.keys == nil {
		return nil, errNoKeyStore
	}
	material, _, err := f.keys.GetOrCreateServiceKey(f.configLocked().encLabel())
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	f.encKey = material
	return material, nil
}

// computeSeal is the HMAC-SHA256 over the canonical payload bytes.
func (f *Fortress) computeSeal(payload map[string]any) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, f.sealKey)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (f *Fortress) tamperResult(recordID, storedSeal, expectedSeal string) SealResult {
	TamperAlertsTotal.Inc()
	VerificationsTotal.WithLabelValues("tampered").Inc()

	f.trail.Emit(audit.EventMemoryTamperAlert,
		fmt.Sprintf("TAMPERED: record %s failed integrity check", recordID),
		auditAgent, map[string]any{
			"record_id":     recordID,
			"stored_seal":   sealPrefix(storedSeal),
			"expected_seal": sealPrefix(expectedSeal),
		})

	verified := false
	return SealResult{
		RecordID: recordID,
		Sealed:   true,
		Verified: &verified,
		Tampered: true,
		Error:    "integrity seal mismatch",
	}
}

// decryptContent swaps the encrypted content token for plaintext. If
// the key is unavailable the record still loads with a placeholder so
// the failure is inspectable; the seal already verified, so integrity
// is not in question.
func (f *Fortress) decryptContent(payload map[string]any, result *SealResult) {
	token, _ := payload["content"].(string)

	encKey, err := f.encryptionKeyLocked()
	if err == nil {
		var plaintext []byte
		if plaintext, err = kms.DecryptToken(encKey, token); err == nil {
			payload["content"] = string(plaintext)
			return
		}
	}

	log.Warn().Err(err).Str("record_id", result.RecordID).Msg("content decryption failed")
	payload["content"] = decryptFailedPlaceholder
	result.Error = "content decryption failed"
}

// sealPrefix truncates a seal for audit metadata; full seals stay out
// of the logs.
func sealPrefix(seal string) string {
	if len(seal) <= 16 {
		return seal
	}
	return seal[:16] + "..."
}

func recordStem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
