// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/kms"
)

func newTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, identity.Save(home, &identity.Identity{
		Name:        "tester",
		Fingerprint: "ABCD1234",
		CreatedAt:   time.Now().UTC(),
	}))
	return home
}

func newTestFortress(t *testing.T, opts ...Option) *Fortress {
	t.Helper()
	home := newTestHome(t)
	return New(home, kms.New(home), opts...)
}

func testRecord(content string) *Record {
	return &Record{
		RecordID:   "abc123def456",
		Content:    content,
		Tags:       []string{"test"},
		Source:     "cli",
		Tier:       TierShortTerm,
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Importance: 0.5,
	}
}

// =============================================================================
// Initialize Tests
// =============================================================================

func TestFortress_Initialize(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	ks := kms.New(home)
	f := New(home, ks)

	cfg, err := f.Initialize()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.EncryptionEnabled)
	assert.Equal(t, "hmac-sha256", cfg.SealAlgorithm)
	assert.Equal(t, "memory-fortress", cfg.ServiceLabel)
	assert.True(t, cfg.AuditEvents)

	// Config persisted to disk.
	_, err = os.Stat(filepath.Join(home, "memory", "fortress.json"))
	require.NoError(t, err)

	// The seal key now exists in the keystore as a service key.
	rec, err := ks.GetKey("memory-fortress-seal", kms.KeyTypeService)
	require.NoError(t, err)
	assert.Equal(t, kms.KeyStatusActive, rec.Status)

	// Idempotent.
	again, err := f.Initialize()
	require.NoError(t, err)
	assert.Equal(t, cfg.ServiceLabel, again.ServiceLabel)
}

func TestFortress_Initialize_Encryption(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	ks := kms.New(home)
	f := New(home, ks, WithEncryption())

	cfg, err := f.Initialize()
	require.NoError(t, err)
	assert.True(t, cfg.EncryptionEnabled)

	_, err = ks.GetKey("memory-fortress-enc", kms.KeyTypeService)
	require.NoError(t, err)

	// The setting persists for a fresh instance without the option.
	reopened := New(home, kms.New(home))
	st := reopened.Status()
	assert.True(t, st.EncryptionEnabled)
}

func TestFortress_Initialize_NoKeys(t *testing.T) {
	t.Parallel()

	f := New(t.TempDir(), nil)
	_, err := f.Initialize()
	assert.Error(t, err)
}

// =============================================================================
// Seal and Verify Tests
// =============================================================================

func TestFortress_SealVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t)
	record := testRecord("hello world")
	record.Metadata = map[string]any{"origin": "unit"}

	sealed, err := f.Seal(record)
	require.NoError(t, err)

	got, result := f.VerifyAndLoad(sealed)
	require.NotNil(t, got)
	assert.True(t, result.Sealed)
	require.NotNil(t, result.Verified)
	assert.True(t, *result.Verified)
	assert.False(t, result.Tampered)
	assert.Empty(t, result.Error)

	require.Empty(t, cmp.Diff(record, got), "round-trip mismatch")
}

func TestFortress_SealEnvelopeFields(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	ks := kms.New(home)
	f := New(home, ks)

	sealed, err := f.Seal(testRecord("hello world"))
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(sealed, &envelope))

	seal, ok := envelope[SealField].(string)
	require.True(t, ok)
	assert.Len(t, seal, 64)
	assert.NotEmpty(t, envelope[SealedAtField])

	sealKey, err := ks.GetKey("memory-fortress-seal", kms.KeyTypeService)
	require.NoError(t, err)
	assert.Equal(t, sealKey.KeyID, envelope[KeyIDField])

	_, flagged := envelope[EncryptedField]
	assert.False(t, flagged)
}

func TestFortress_SealDeterministic(t *testing.T) {
	t.Parallel()

	// Two fortress instances over the same home produce the same seal
	// for the same record. Anything else would make seals unverifiable
	// across restarts.
	home := newTestHome(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a, err := New(home, kms.New(home), WithClock(clock)).Seal(testRecord("stable"))
	require.NoError(t, err)
	b, err := New(home, kms.New(home), WithClock(clock)).Seal(testRecord("stable"))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
}

func TestFortress_VerifyAndLoad_Tampered(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t)
	sealed, err := f.Seal(testRecord("hello world"))
	require.NoError(t, err)

	tampered := strings.Replace(string(sealed), "hello world", "hello world!", 1)
	require.NotEqual(t, string(sealed), tampered)

	got, result := f.VerifyAndLoad([]byte(tampered))
	assert.Nil(t, got)
	assert.True(t, result.Sealed)
	assert.True(t, result.Tampered)
	require.NotNil(t, result.Verified)
	assert.False(t, *result.Verified)
	assert.NotEmpty(t, result.Error)
}

func TestFortress_VerifyAndLoad_SingleByteFlip(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t)
	sealed, err := f.Seal(testRecord("hello world"))
	require.NoError(t, err)

	// Flip one byte inside the content value.
	idx := strings.Index(string(sealed), "hello world")
	require.Positive(t, idx)
	flipped := append([]byte(nil), sealed...)
	flipped[idx] = 'H'

	got, result := f.VerifyAndLoad(flipped)
	assert.Nil(t, got)
	assert.True(t, result.Tampered)
}

func TestFortress_VerifyAndLoad_Legacy(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t)
	raw, err := json.Marshal(testRecord("never sealed"))
	require.NoError(t, err)

	got, result := f.VerifyAndLoad(raw)
	require.NotNil(t, got)
	assert.Equal(t, "never sealed", got.Content)
	assert.False(t, result.Sealed)
	assert.Nil(t, result.Verified)
	assert.False(t, result.Tampered)
}

func TestFortress_VerifyAndLoad_Garbage(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t)
	got, result := f.VerifyAndLoad([]byte("not json at all"))
	assert.Nil(t, got)
	assert.False(t, result.Sealed)
	assert.NotEmpty(t, result.Error)
}

func TestFortress_VerifyAndLoad_MalformedSeal(t *testing.T) {
	t.Parallel()

	// A seal field of the wrong type is tampering, not a legacy record.
	f := newTestFortress(t)
	sealed, err := f.Seal(testRecord("hello world"))
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(sealed, &envelope))
	envelope[SealField] = 12345
	mangled, err := json.Marshal(envelope)
	require.NoError(t, err)

	got, result := f.VerifyAndLoad(mangled)
	assert.Nil(t, got)
	assert.True(t, result.Tampered)
}

// =============================================================================
// Encryption Tests
// =============================================================================

func TestFortress_Encryption(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t, WithEncryption())
	sealed, err := f.Seal(testRecord("secret text"))
	require.NoError(t, err)

	// Plaintext never reaches storage.
	assert.NotContains(t, string(sealed), "secret text")

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(sealed, &envelope))
	content, ok := envelope["content"].(string)
	require.True(t, ok)
	assert.True(t, kms.IsToken(content))
	assert.Equal(t, true, envelope[EncryptedField])

	got, result := f.VerifyAndLoad(sealed)
	require.NotNil(t, got)
	require.NotNil(t, result.Verified)
	assert.True(t, *result.Verified)
	assert.Equal(t, "secret text", got.Content)
}

func TestFortress_Encryption_FlagIsSealed(t *testing.T) {
	t.Parallel()

	// The encrypted flag lives inside the sealed payload; clearing it
	// must read as tampering, not as a plaintext record.
	f := newTestFortress(t, WithEncryption())
	sealed, err := f.Seal(testRecord("secret text"))
	require.NoError(t, err)

	cleared := strings.Replace(string(sealed),
		`"`+EncryptedField+`": true`, `"`+EncryptedField+`": false`, 1)
	require.NotEqual(t, string(sealed), cleared)

	got, result := f.VerifyAndLoad([]byte(cleared))
	assert.Nil(t, got)
	assert.True(t, result.Tampered)
}

func TestFortress_Encryption_ReadableAfterReopen(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	f := New(home, kms.New(home), WithEncryption())
	sealed, err := f.Seal(testRecord("secret text"))
	require.NoError(t, err)

	// A fresh instance re-derives the same keys from the same home.
	reopened := New(home, kms.New(home))
	got, result := reopened.VerifyAndLoad(sealed)
	require.NotNil(t, got)
	require.NotNil(t, result.Verified)
	assert.True(t, *result.Verified)
	assert.Equal(t, "secret text", got.Content)
}

// =============================================================================
// Storage Tests
// =============================================================================

func TestFortress_SaveSealed(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	f := New(home, kms.New(home))
	record := testRecord("persisted")

	path, err := f.SaveSealed(record)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "memory", "short-term", "abc123def456.json"), path)

	got, result := f.VerifyFile(path)
	require.NotNil(t, got)
	require.NotNil(t, result.Verified)
	assert.True(t, *result.Verified)
	assert.Equal(t, "abc123def456", result.RecordID)
}

func TestFortress_VerifyFile_Missing(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t)
	got, result := f.VerifyFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Nil(t, got)
	assert.Equal(t, "nope", result.RecordID)
	assert.NotEmpty(t, result.Error)
}

func TestFortress_SealExisting(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	f := New(home, kms.New(home))

	// Two legacy records and one already sealed.
	writeLegacy := func(r *Record) {
		raw, err := json.Marshal(r)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(r.Tier.Dir(home), 0700))
		require.NoError(t, os.WriteFile(r.Path(home), raw, 0600))
	}
	legacyA := testRecord("legacy a")
	legacyA.RecordID = "aaa111aaa111"
	writeLegacy(legacyA)
	legacyB := testRecord("legacy b")
	legacyB.RecordID = "bbb222bbb222"
	legacyB.Tier = TierMidTerm
	writeLegacy(legacyB)

	already := testRecord("already sealed")
	already.RecordID = "ccc333ccc333"
	_, err := f.SaveSealed(already)
	require.NoError(t, err)

	count, err := f.SealExisting()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Every record now verifies.
	results, err := f.VerifyAll()
	require.NoError(t, err)
	summary := Summarize(results)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Verified)
	assert.Zero(t, summary.Unsealed)

	// Second run has nothing left to do.
	count, err = f.SealExisting()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFortress_VerifyAll(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	f := New(home, kms.New(home))

	ok := testRecord("intact")
	ok.RecordID = "aaa111aaa111"
	_, err := f.SaveSealed(ok)
	require.NoError(t, err)

	bad := testRecord("to be tampered")
	bad.RecordID = "bbb222bbb222"
	badPath, err := f.SaveSealed(bad)
	require.NoError(t, err)
	data, err := os.ReadFile(badPath)
	require.NoError(t, err)
	mangled := strings.Replace(string(data), "to be tampered", "to be Tampered", 1)
	require.NoError(t, os.WriteFile(badPath, []byte(mangled), 0600))

	legacy := testRecord("still legacy")
	legacy.RecordID = "ccc333ccc333"
	legacy.Tier = TierLongTerm
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(legacy.Tier.Dir(home), 0700))
	require.NoError(t, os.WriteFile(legacy.Path(home), raw, 0600))

	results, err := f.VerifyAll()
	require.NoError(t, err)
	require.Len(t, results, 3)

	summary := Summarize(results)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.Tampered)
	assert.Equal(t, 1, summary.Unsealed)
}

func TestFortress_VerifyAll_EmptyHome(t *testing.T) {
	t.Parallel()

	f := newTestFortress(t)
	results, err := f.VerifyAll()
	require.NoError(t, err)
	assert.Empty(t, results)
}

// =============================================================================
// Status and Options Tests
// =============================================================================

func TestFortress_Status(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	f := New(home, kms.New(home))

	st := f.Status()
	assert.True(t, st.Enabled)
	assert.False(t, st.HasSealKey)
	assert.False(t, st.HasEncryptionKey)

	_, err := f.Initialize()
	require.NoError(t, err)

	st = f.Status()
	assert.True(t, st.HasSealKey)
	assert.False(t, st.HasEncryptionKey)

	// A fresh instance sees the key through the keystore.
	st = New(home, kms.New(home)).Status()
	assert.True(t, st.HasSealKey)
}

func TestFortress_WithSealKey(t *testing.T) {
	t.Parallel()

	// An explicit seal key needs no keystore at all, and the envelope
	// carries no key-id.
	key := []byte("0123456789abcdef0123456789abcdef")
	f := New(t.TempDir(), nil, WithSealKey(key))

	sealed, err := f.Seal(testRecord("standalone"))
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(sealed, &envelope))
	assert.NotContains(t, envelope, KeyIDField)

	got, result := f.VerifyAndLoad(sealed)
	require.NotNil(t, got)
	require.NotNil(t, result.Verified)
	assert.True(t, *result.Verified)
}

func TestFortress_AuditTrail(t *testing.T) {
	t.Parallel()

	home := newTestHome(t)
	trail := audit.NewTrail(home)
	f := New(home, kms.New(home), WithAuditTrail(trail))

	_, err := f.Initialize()
	require.NoError(t, err)

	sealed, err := f.Seal(testRecord("audited"))
	require.NoError(t, err)

	tampered := strings.Replace(string(sealed), "audited", "Audited", 1)
	_, result := f.VerifyAndLoad([]byte(tampered))
	require.True(t, result.Tampered)

	entries, err := trail.Read(0)
	require.NoError(t, err)
	var types []string
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, audit.EventFortressInit)
	assert.Contains(t, types, audit.EventMemorySealed)
	assert.Contains(t, types, audit.EventMemoryTamperAlert)
}

// =============================================================================
// End-to-End Scenario
// =============================================================================

func TestFortress_EndToEnd(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	require.NoError(t, identity.Save(home, &identity.Identity{
		Name:        "tester",
		Fingerprint: "ABCD1234",
		CreatedAt:   time.Now().UTC(),
	}))
	ks := kms.New(home)
	f := New(home, ks)

	record := NewRecord("hello world", TierShortTerm)
	path, err := f.SaveSealed(record)
	require.NoError(t, err)

	// Intact read round-trips.
	got, result := f.VerifyFile(path)
	require.NotNil(t, got)
	assert.Equal(t, "hello world", got.Content)
	require.NotNil(t, result.Verified)
	assert.True(t, *result.Verified)

	// Tamper directly in storage.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	mangled := strings.Replace(string(data), "hello world", "hello world!", 1)
	require.NoError(t, os.WriteFile(path, []byte(mangled), 0600))

	got, result = f.VerifyFile(path)
	assert.Nil(t, got)
	assert.True(t, result.Tampered)
}
